package main

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/therootcompany/xz"

	pgzdx "github.com/elliotnunn/pgzdx"
	"github.com/elliotnunn/pgzdx/internal/dcode"
)

func runDecompress(cmd *cobra.Command, f *flags, paths []string) error {
	for _, path := range paths {
		if err := runOne(cmd, f, path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func runOne(cmd *cobra.Command, f *flags, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	format, err := pgzdx.Sniff(in)
	if err != nil {
		return err
	}
	if format == pgzdx.Unknown {
		return fmt.Errorf("%w: unrecognized format", errUsage)
	}
	if !format.Decodable() {
		if f.analyze {
			return printUnsupportedAnalysis(cmd, in, path, format)
		}
		return dcode.WithOffset(dcode.New(dcode.UnsupportedFormat), 0)
	}

	opts := pgzdx.Options{
		Format:      format,
		Parallelism: f.parallelism,
	}
	if f.chunkSize > 0 || f.sparseWindows {
		opts.ChunkConfig = pgzdx.DefaultChunkConfig()
		if f.chunkSize > 0 {
			opts.ChunkConfig.SplitChunkSize = f.chunkSize
		}
		opts.ChunkConfig.SparseWindows = f.sparseWindows
	}
	if f.countLines {
		c, err := lineCharByte(f.lineChar)
		if err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		opts.NewlineChar = c
	}

	pr, err := pgzdx.NewParallelReader(in, info.Size(), opts)
	if err != nil {
		return err
	}

	indexFormat := pgzdx.IndexFormatA
	if format == pgzdx.BGZF {
		indexFormat = pgzdx.IndexFormatB
	}

	if f.importIndex != "" {
		idxFile, err := os.Open(f.importIndex)
		if err != nil {
			return err
		}
		err = pr.ImportIndex(idxFile, indexFormat)
		idxFile.Close()
		if err != nil {
			return fmt.Errorf("importing index: %w", err)
		}
	}

	if f.verify {
		if err := pr.VerifyAll(context.Background()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", path)
	}

	if f.analyze {
		return printAnalysis(cmd, pr, path, format)
	}

	if f.stdout || f.output != "" || (!f.verify && !f.countLines) {
		out, closeOut, err := openOutput(f, path)
		if err != nil {
			return err
		}
		defer closeOut()
		if _, err := io.Copy(out, pr); err != nil {
			return err
		}
	}

	if f.countLines {
		n, err := countLines(pr)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d lines\n", path, n)
	}

	if f.exportIndex != "" {
		outIdx, err := os.Create(f.exportIndex)
		if err != nil {
			return err
		}
		defer outIdx.Close()
		if err := pr.ExportIndex(outIdx, indexFormat); err != nil {
			return fmt.Errorf("exporting index: %w", err)
		}
	}

	return nil
}

// openOutput resolves --stdout / --output / the implicit "strip the
// container extension" default the way decompress.Run derives newPath
// from d.path, trimming the recognized suffix.
func openOutput(f *flags, path string) (io.Writer, func() error, error) {
	if f.stdout {
		return os.Stdout, func() error { return nil }, nil
	}
	dest := f.output
	if dest == "" {
		dest = strings.TrimSuffix(path, filepath.Ext(path))
		if dest == path {
			dest = path + ".out"
		}
	}
	out, err := os.Create(dest)
	if err != nil {
		return nil, nil, err
	}
	return out, out.Close, nil
}

func lineCharByte(s string) (byte, error) {
	if s == "" || s == "\n" {
		return '\n', nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return byte(n), nil
	}
	if len(s) == 1 {
		return s[0], nil
	}
	return 0, fmt.Errorf("invalid --count-lines-char %q", s)
}

func countLines(pr *pgzdx.ParallelReader) (int64, error) {
	buf := make([]byte, 1<<20)
	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return pr.NewlineCount(), nil
}

// printUnsupportedAnalysis reports on a recognized-but-undecodable
// container the same way probeArchive distinguishes "I have a handler
// for this" from "I only fingerprinted it": it validates just enough of
// the container to confirm the sniff wasn't a false positive, then says
// so, without attempting to unpack or decompress anything.
func printUnsupportedAnalysis(cmd *cobra.Command, in *os.File, path string, format pgzdx.Format) error {
	switch format {
	case pgzdx.Xz:
		r, err := xz.NewReader(io.NewSectionReader(in, 0, math.MaxInt64), xz.DefaultDictMax)
		if err != nil {
			return fmt.Errorf("%s: not a valid xz stream: %w", path, err)
		}
		if _, err := r.Read(make([]byte, 1)); err != nil && err != io.EOF {
			return fmt.Errorf("%s: not a valid xz stream: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: format=xz decompression=unsupported\n", path)
	case pgzdx.Zip:
		info, err := in.Stat()
		if err != nil {
			return err
		}
		zr, err := zip.NewReader(in, info.Size())
		if err != nil {
			return fmt.Errorf("%s: not a valid zip archive: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: format=zip entries=%d decompression=unsupported\n", path, len(zr.File))
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "%s: format=%s decompression=unsupported\n", path, format)
	}
	return nil
}

func printAnalysis(cmd *cobra.Command, pr *pgzdx.ParallelReader, path string, format pgzdx.Format) error {
	buf := make([]byte, 1<<20)
	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	size, _ := pr.Size()
	chunks := pr.BlockCount()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: format=%s decoded_size=%d blocks=%d\n", path, format, size, chunks)
	return nil
}
