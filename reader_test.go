package pgzdx

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"
)

func gzipOf(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte(s))
	w.Close()
	return buf.Bytes()
}

func TestParallelReaderReadsWholeStream(t *testing.T) {
	want := "hello there, parallel world\n"
	data := gzipOf(t, want)

	pr, err := NewParallelReader(bytes.NewReader(data), int64(len(data)), Options{Format: Gzip})
	if err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(pr)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParallelReaderSeek(t *testing.T) {
	want := "0123456789abcdefghij"
	data := gzipOf(t, want)

	pr, err := NewParallelReader(bytes.NewReader(data), int64(len(data)), Options{Format: Gzip})
	if err != nil {
		t.Fatal(err)
	}

	// Drive a full read first so BlockMap is finalized and Size/SeekEnd work.
	if _, err := io.ReadAll(pr); err != nil {
		t.Fatal(err)
	}

	if _, err := pr.Seek(5, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	n, err := pr.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != want[5:10] {
		t.Fatalf("got %q, want %q", buf[:n], want[5:10])
	}

	sz, ok := pr.Size()
	if !ok || sz != int64(len(want)) {
		t.Fatalf("Size() = (%d, %v), want (%d, true)", sz, ok, len(want))
	}

	if _, err := pr.Seek(-3, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	n, err = pr.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != want[len(want)-3:] {
		t.Fatalf("got %q, want %q", buf[:n], want[len(want)-3:])
	}
}

func TestParallelReaderVerifyAllSucceeds(t *testing.T) {
	data := gzipOf(t, "verify me please")

	pr, err := NewParallelReader(bytes.NewReader(data), int64(len(data)), Options{Format: Gzip})
	if err != nil {
		t.Fatal(err)
	}
	if err := pr.VerifyAll(context.Background()); err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
}

func TestParallelReaderVerifyAllDetectsCorruption(t *testing.T) {
	data := gzipOf(t, "verify me please")
	corrupt := append([]byte(nil), data...)
	corrupt[len(corrupt)-8] ^= 0xff // flip the low byte of the footer's CRC32

	pr, err := NewParallelReader(bytes.NewReader(corrupt), int64(len(corrupt)), Options{Format: Gzip})
	if err != nil {
		t.Fatal(err)
	}
	if err := pr.VerifyAll(context.Background()); err == nil {
		t.Fatal("expected VerifyAll to report the corrupted footer")
	}
}

func TestParallelReaderExportImportIndexRoundTrip(t *testing.T) {
	want := "round trip this index please, thank you very much"
	data := gzipOf(t, want)

	src, err := NewParallelReader(bytes.NewReader(data), int64(len(data)), Options{Format: Gzip})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(src); err != nil {
		t.Fatal(err)
	}

	var idxBuf bytes.Buffer
	if err := src.ExportIndex(&idxBuf, IndexFormatA); err != nil {
		t.Fatal(err)
	}

	dst, err := NewParallelReader(bytes.NewReader(data), int64(len(data)), Options{Format: Gzip})
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.ImportIndex(&idxBuf, IndexFormatA); err != nil {
		t.Fatal(err)
	}
	sz, ok := dst.Size()
	if !ok || sz != int64(len(want)) {
		t.Fatalf("Size() after import = (%d, %v), want (%d, true)", sz, ok, len(want))
	}

	// An imported index only seeds BlockMap, not the decoded-byte cache,
	// so this Read exercises ChunkFetcher's redecode-on-cache-miss path.
	got, err := io.ReadAll(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParallelReaderNewlineCount(t *testing.T) {
	want := "line one\nline two\nline three"
	data := gzipOf(t, want)

	pr, err := NewParallelReader(bytes.NewReader(data), int64(len(data)), Options{Format: Gzip, NewlineChar: '\n'})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(pr); err != nil {
		t.Fatal(err)
	}
	if n := pr.NewlineCount(); n != 2 {
		t.Fatalf("NewlineCount() = %d, want 2", n)
	}
}

func TestParallelReaderCancel(t *testing.T) {
	data := gzipOf(t, "cancel this read")

	pr, err := NewParallelReader(bytes.NewReader(data), int64(len(data)), Options{Format: Gzip})
	if err != nil {
		t.Fatal(err)
	}
	pr.Cancel()
	buf := make([]byte, 4)
	if _, err := pr.Read(buf); err != errCancelled {
		t.Fatalf("Read after Cancel = %v, want errCancelled", err)
	}
}
