package chunkdecoder

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/elliotnunn/pgzdx/internal/bitstream"
)

func outputBytes(t *testing.T, cd *ChunkData) []byte {
	t.Helper()
	out := make([]byte, len(cd.Output))
	for i, s := range cd.Output {
		if !s.IsLiteral() {
			t.Fatalf("unresolved marker at %d", i)
		}
		out[i] = s.Byte()
	}
	return out
}

func gzipOf(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte(s))
	w.Close()
	return buf.Bytes()
}

func TestDecodeChunkSingleGzipMember(t *testing.T) {
	want := "Hello, World!\n"
	data := gzipOf(t, want)
	br := bitstream.New(bytes.NewReader(data), int64(len(data)))

	cd, err := DecodeChunk(br, 0, int64(len(data))*8, nil, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	got := outputBytes(t, cd)
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if len(cd.Footers) != 1 {
		t.Fatalf("expected 1 footer, got %d", len(cd.Footers))
	}
	if cd.Footers[0].Size != uint32(len(want)) {
		t.Fatalf("footer size = %d, want %d", cd.Footers[0].Size, len(want))
	}
	if len(cd.CRCs) != 2 {
		t.Fatalf("expected 2 CRC accumulators (leading + post-footer), got %d", len(cd.CRCs))
	}
	if cd.CRCs[0].Sum32() != cd.Footers[0].CRC32 {
		t.Fatalf("CRC32 mismatch: got %#x want %#x", cd.CRCs[0].Sum32(), cd.Footers[0].CRC32)
	}
}

func TestDecodeChunkConcatenatedMembers(t *testing.T) {
	var data []byte
	data = append(data, gzipOf(t, "foo\n")...)
	data = append(data, gzipOf(t, "bar\n")...)
	br := bitstream.New(bytes.NewReader(data), int64(len(data)))

	cd, err := DecodeChunk(br, 0, int64(len(data))*8, nil, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	got := outputBytes(t, cd)
	if string(got) != "foo\nbar\n" {
		t.Fatalf("got %q", got)
	}
	if len(cd.Footers) != 2 {
		t.Fatalf("expected 2 footers, got %d", len(cd.Footers))
	}
	if len(cd.CRCs) != 3 {
		t.Fatalf("expected 3 CRC accumulators, got %d", len(cd.CRCs))
	}
}

func TestDecodeChunkFromStreamStartHasNoMarkers(t *testing.T) {
	want := "the quick brown fox jumps over the lazy dog"
	data := gzipOf(t, want)
	br := bitstream.New(bytes.NewReader(data), int64(len(data)))

	// Decode from byte 0 with no initial window: a stream start has no
	// preceding history, so the output must come back fully literal with
	// no leftover markers.
	cd, err := DecodeChunk(br, 0, int64(len(data))*8, nil, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	got := outputBytes(t, cd)
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
