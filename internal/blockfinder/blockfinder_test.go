package blockfinder

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"testing"

	"github.com/elliotnunn/pgzdx/internal/bitstream"
)

func TestNextCandidateFindsSecondBlock(t *testing.T) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(bytes.Repeat([]byte("compressible filler text "), 400))
	w.Flush()
	w.Write(bytes.Repeat([]byte("more compressible filler "), 400))
	w.Close()

	data := buf.Bytes()
	br := bitstream.New(bytes.NewReader(data), int64(len(data)))
	f := New(br)

	c, ok := f.NextCandidate(1, int64(len(data))*8)
	if !ok {
		t.Fatalf("expected to find a second block boundary")
	}
	if c.BitOffset <= 0 {
		t.Fatalf("candidate bit offset should be positive, got %d", c.BitOffset)
	}
}

func TestIsBGZFFalseForPlainGzip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte("hello"))
	gw.Close()

	data := buf.Bytes()
	if IsBGZF(bytes.NewReader(data), int64(len(data))) {
		t.Fatalf("plain gzip should not be detected as BGZF")
	}
}
