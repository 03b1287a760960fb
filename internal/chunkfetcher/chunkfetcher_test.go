package chunkfetcher

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/elliotnunn/pgzdx/internal/bitstream"
	"github.com/elliotnunn/pgzdx/internal/chunkdecoder"
	"github.com/elliotnunn/pgzdx/internal/markers"
	"github.com/elliotnunn/pgzdx/internal/windowmap"
)

func gzipOf(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte(s))
	w.Close()
	return buf.Bytes()
}

func TestGetReturnsFirstChunk(t *testing.T) {
	want := "hello there, parallel world\n"
	data := gzipOf(t, want)
	br := bitstream.New(bytes.NewReader(data), int64(len(data)))

	cfg := chunkdecoder.DefaultConfig()
	f, err := New(br, cfg, Options{Parallelism: 2, PartitionBits: int64(len(data)) * 8})
	if err != nil {
		t.Fatal(err)
	}

	var indexed int
	f.AddChunkIndexingCallback(func(cd *chunkdecoder.ChunkData, endWindow []byte) {
		indexed++
		if len(endWindow) != windowSize {
			t.Fatalf("end window length = %d, want %d", len(endWindow), windowSize)
		}
	})

	off, cd, err := f.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Fatalf("chunk decoded offset = %d, want 0", off)
	}
	if cd == nil {
		t.Fatal("expected a cached chunk")
	}
	if indexed == 0 {
		t.Fatal("expected at least one indexing callback invocation")
	}
}

// bgzfMember builds one self-contained gzip member carrying a 'BC'
// BGZF extra subfield recording its own total size, matching RFC 1952
// FEXTRA.
func bgzfMember(t *testing.T, s string) []byte {
	t.Helper()
	var body bytes.Buffer
	gw, err := gzip.NewWriterLevel(&body, gzip.BestSpeed)
	if err != nil {
		t.Fatal(err)
	}
	gw.Header.Extra = []byte{'B', 'C', 2, 0, 0, 0} // BSIZE filled in below
	if _, err := gw.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	raw := body.Bytes()
	bsize := uint16(len(raw) - 1)
	raw[16], raw[17] = byte(bsize), byte(bsize>>8)
	return raw
}

// TestBGZFFastPathCarvesExactPartitions imports a source through
// Options.BGZFSource and checks that New's up-front ScanBGZF call
// found both members, and that Get still reassembles the exact
// decoded bytes when each member lands in its own partition -- without
// ever falling back to DecodeFromGuess's speculative search, since
// every partition boundary handed to the worker is already an exact
// member start.
func TestBGZFFastPathCarvesExactPartitions(t *testing.T) {
	m1 := bgzfMember(t, "hello ")
	m2 := bgzfMember(t, "world\n")
	archive := append(append([]byte{}, m1...), m2...)

	br := bitstream.New(bytes.NewReader(archive), int64(len(archive)))
	cfg := chunkdecoder.DefaultConfig()
	f, err := New(br, cfg, Options{
		Parallelism:    2,
		PartitionBits:  int64(len(m1)) * 8, // forces each member into its own partition
		BGZFSource:     bytes.NewReader(archive),
		BGZFSourceSize: int64(len(archive)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.bgzfBlocks) != 2 {
		t.Fatalf("expected 2 scanned BGZF members, got %d: %+v", len(f.bgzfBlocks), f.bgzfBlocks)
	}

	off1, cd1, err := f.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if off1 != 0 {
		t.Fatalf("first chunk decoded offset = %d, want 0", off1)
	}
	off2, cd2, err := f.Get(int64(len("hello ")))
	if err != nil {
		t.Fatal(err)
	}
	if off2 != int64(len("hello ")) {
		t.Fatalf("second chunk decoded offset = %d, want %d", off2, len("hello "))
	}

	var got []byte
	for _, s := range cd1.Output {
		got = append(got, s.Byte())
	}
	for _, s := range cd2.Output {
		got = append(got, s.Byte())
	}
	if string(got) != "hello world\n" {
		t.Fatalf("decoded = %q, want %q", got, "hello world\n")
	}
}

// TestComputeEndWindowSparseMatchesRaw checks that the sparse and raw
// representations computeEndWindow can choose between decompress to
// identical bytes for a chunk whose gzip stream started partway
// through it, with less than one window's worth of output since.
func TestComputeEndWindowSparseMatchesRaw(t *testing.T) {
	prefixStr := "prior"
	tailStr := "a fresh stream's own leading bytes"
	var out []markers.Symbol
	for _, b := range []byte(prefixStr + tailStr) {
		out = append(out, markers.Literal(b))
	}
	cd := &chunkdecoder.ChunkData{
		Output:  out,
		Footers: []chunkdecoder.Footer{{Boundary: chunkdecoder.BlockBoundary{DecodedOffset: int64(len(prefixStr))}}},
	}
	prevWindow := bytes.Repeat([]byte{0x99}, windowSize)

	raw := computeEndWindow(cd, prevWindow, false)
	sparse := computeEndWindow(cd, prevWindow, true)

	if raw.Compression != windowmap.Raw {
		t.Fatalf("expected Raw compression with sparse disabled, got %v", raw.Compression)
	}
	if sparse.Compression != windowmap.Sparse {
		t.Fatalf("expected Sparse compression with sparse enabled, got %v", sparse.Compression)
	}

	rawBytes, err := raw.Decompress()
	if err != nil {
		t.Fatal(err)
	}
	sparseBytes, err := sparse.Decompress()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rawBytes, sparseBytes) {
		t.Fatalf("sparse and raw windows decompress to different bytes")
	}
	if !bytes.HasSuffix(rawBytes, []byte(tailStr)) {
		t.Fatalf("window does not end with the chunk's own output")
	}
}

func TestGetReportsEOFPastEnd(t *testing.T) {
	data := gzipOf(t, "short\n")
	br := bitstream.New(bytes.NewReader(data), int64(len(data)))

	cfg := chunkdecoder.DefaultConfig()
	f, err := New(br, cfg, Options{Parallelism: 1, PartitionBits: int64(len(data)) * 8})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := f.Get(0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.Get(1 << 30); err == nil {
		t.Fatal("expected an error for an offset past the end of the stream")
	}
}
