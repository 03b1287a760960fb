package crc32x

import "testing"

func TestCombineMatchesWholeStream(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeated for good measure")

	for split := 0; split <= len(data); split++ {
		whole := New()
		whole.Write(data)

		first := New()
		first.Write(data[:split])

		second := New()
		second.Write(data[split:])

		got := Combine(first.Sum32(), second.Sum32(), int64(len(data)-split))
		if got != whole.Sum32() {
			t.Fatalf("split %d: combine = %#x, want %#x", split, got, whole.Sum32())
		}
	}
}

func TestCombineEmptySuffix(t *testing.T) {
	d := New()
	d.Write([]byte("hello"))
	if got := Combine(d.Sum32(), New().Sum32(), 0); got != d.Sum32() {
		t.Fatalf("combine with zero-length suffix = %#x, want %#x", got, d.Sum32())
	}
}
