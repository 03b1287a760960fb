package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/elliotnunn/pgzdx/internal/dcode"
)

func TestExpandGlobsLiteralFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := expandGlobs([]string{path})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != path {
		t.Fatalf("got %v, want [%s]", got, path)
	}
}

func TestExpandGlobsPattern(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.gz", "b.gz", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := expandGlobs([]string{filepath.Join(dir, "*.gz")})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2: %v", len(got), got)
	}
}

func TestExpandGlobsNoMatch(t *testing.T) {
	if _, err := expandGlobs([]string{filepath.Join(t.TempDir(), "nope.gz")}); err == nil {
		t.Fatal("expected an error for a pattern matching nothing")
	}
}

func TestLineCharByte(t *testing.T) {
	cases := []struct {
		in   string
		want byte
	}{
		{"", '\n'},
		{"\n", '\n'},
		{"0", 0},
		{"44", 44},
		{",", ','},
	}
	for _, c := range cases {
		got, err := lineCharByte(c.in)
		if err != nil {
			t.Fatalf("lineCharByte(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("lineCharByte(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestLineCharByteInvalid(t *testing.T) {
	if _, err := lineCharByte("nope"); err == nil {
		t.Fatal("expected an error for a multi-character, non-numeric --count-lines-char")
	}
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitSuccess},
		{"bare error", errors.New("boom"), exitIOError},
		{"wrapped usage", fmt.Errorf("%w: bad flag", errUsage), exitUsageError},
		{"not exist", os.ErrNotExist, exitIOError},
		{"decode error", dcode.New(dcode.CRC32Mismatch), exitDecompressionError},
	}
	for _, c := range cases {
		if got := exitCodeFor(c.err); got != c.want {
			t.Errorf("%s: exitCodeFor = %d, want %d", c.name, got, c.want)
		}
	}
}
