package index

import (
	"bytes"
	"compress/gzip"
	"testing"
)

func TestFormatARoundTrip(t *testing.T) {
	win := bytes.Repeat([]byte{0x42}, windowSize)
	idx := &Index{
		CompressedSize:   1000,
		UncompressedSize: 5000,
		Checkpoints: []Checkpoint{
			{CompressedOffsetInBits: 0, UncompressedOffset: 0},
			{CompressedOffsetInBits: 8*400 + 3, UncompressedOffset: 2048, Window: win},
		},
	}

	var buf bytes.Buffer
	if err := WriteFormatA(&buf, idx); err != nil {
		t.Fatal(err)
	}

	got, err := ReadFormatA(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompressedSize != idx.CompressedSize || got.UncompressedSize != idx.UncompressedSize {
		t.Fatalf("size mismatch: %+v", got)
	}
	if len(got.Checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(got.Checkpoints))
	}
	if got.Checkpoints[1].CompressedOffsetInBits != idx.Checkpoints[1].CompressedOffsetInBits {
		t.Fatalf("bit offset mismatch: got %d want %d", got.Checkpoints[1].CompressedOffsetInBits, idx.Checkpoints[1].CompressedOffsetInBits)
	}
	if !bytes.Equal(got.Checkpoints[1].Window, win) {
		t.Fatalf("window mismatch")
	}
	if got.Checkpoints[0].Window != nil {
		t.Fatalf("expected no window on first checkpoint")
	}
}

// bgzfMember builds one self-contained gzip member with a 'BC' BGZF
// extra subfield carrying its own total size, matching RFC 1952 FEXTRA.
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
	raw[16], raw[17] = byte(bsize), byte(bsize>>8) // FEXTRA payload directly follows the fixed 10-byte header + XLEN
	return raw
}

func TestFormatBRoundTrip(t *testing.T) {
	// Last checkpoint already sits at EOF, so no tail decode is needed;
	// src only has to be sourceSize bytes long.
	idx := &Index{
		Checkpoints: []Checkpoint{
			{CompressedOffsetInBits: 0, UncompressedOffset: 0},
			{CompressedOffsetInBits: 8 * 65536, UncompressedOffset: 200000},
		},
	}
	var buf bytes.Buffer
	if err := WriteFormatB(&buf, idx); err != nil {
		t.Fatal(err)
	}
	src := bytes.NewReader(make([]byte, 65536))
	got, err := ReadFormatB(&buf, src, 65536)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(got.Checkpoints))
	}
	if got.Checkpoints[1].UncompressedOffset != 200000 {
		t.Fatalf("uncompressed offset mismatch: %d", got.Checkpoints[1].UncompressedOffset)
	}
	if got.UncompressedSize != 200000 {
		t.Fatalf("UncompressedSize = %d, want 200000", got.UncompressedSize)
	}
}

func TestFormatBAllOnesCountIsZero(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	src := bytes.NewReader(nil)
	got, err := ReadFormatB(&buf, src, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Synthesis still runs: a single {0,0} checkpoint for the empty archive.
	if len(got.Checkpoints) != 1 {
		t.Fatalf("expected 1 synthesized checkpoint, got %d: %+v", len(got.Checkpoints), got.Checkpoints)
	}
}

// TestFormatBSynthesizesMissingEndpoints imports a .gzi with zero
// recorded checkpoints against a real two-member BGZF archive: ReadFormatB
// synthesizes the initial checkpoint at {0,0} (the start of the first
// member's gzip header, not its first deflate block), and a final
// checkpoint by decompressing the whole
// archive to learn its total uncompressed size, per spec.md's Testable
// Property #5 for BGZF import.
func TestFormatBSynthesizesMissingEndpoints(t *testing.T) {
	m1 := bgzfMember(t, "hello ")
	m2 := bgzfMember(t, "world\n")
	archive := append(append([]byte{}, m1...), m2...)

	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0}) // count=0: no internal checkpoints recorded

	src := bytes.NewReader(archive)
	got, err := ReadFormatB(&buf, src, int64(len(archive)))
	if err != nil {
		t.Fatal(err)
	}

	if len(got.Checkpoints) != 2 {
		t.Fatalf("expected synthesized start+end checkpoints, got %d: %+v", len(got.Checkpoints), got.Checkpoints)
	}
	if got.Checkpoints[0].CompressedOffsetInBits != 0 || got.Checkpoints[0].UncompressedOffset != 0 {
		t.Fatalf("expected synthesized initial checkpoint {0,0}, got %+v", got.Checkpoints[0])
	}
	last := got.Checkpoints[1]
	if last.CompressedOffsetInBits != int64(len(archive))*8 {
		t.Fatalf("expected synthesized final checkpoint at EOF, got bit offset %d want %d", last.CompressedOffsetInBits, int64(len(archive))*8)
	}
	wantSize := int64(len("hello world\n"))
	if last.UncompressedOffset != wantSize {
		t.Fatalf("synthesized final uncompressed offset = %d, want %d", last.UncompressedOffset, wantSize)
	}
	if got.UncompressedSize != wantSize {
		t.Fatalf("UncompressedSize = %d, want %d", got.UncompressedSize, wantSize)
	}
	if got.CompressedSize != int64(len(archive)) {
		t.Fatalf("CompressedSize = %d, want %d", got.CompressedSize, len(archive))
	}
}

func TestMergeAdjacentKeepsEndsAndDropsSmallGaps(t *testing.T) {
	cps := []Checkpoint{
		{UncompressedOffset: 0},
		{UncompressedOffset: 100},
		{UncompressedOffset: 200},
		{UncompressedOffset: 10000},
	}
	merged := MergeAdjacent(cps, 1000)
	if len(merged) != 3 {
		t.Fatalf("expected 3 checkpoints after merge, got %d: %+v", len(merged), merged)
	}
	if merged[0].UncompressedOffset != 0 || merged[len(merged)-1].UncompressedOffset != 10000 {
		t.Fatalf("ends not preserved: %+v", merged)
	}
}
