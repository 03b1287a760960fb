package main

import (
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

// flags holds the CLI's surface directly: -d/--decompress, -c/--stdout,
// -o FILE, -P N, --chunk-size BYTES, --import-index FILE, --export-index
// FILE, --count-lines (takes no argument; the character is set by
// --count-lines-char CHAR), --analyze, --verify.
type flags struct {
	decompress    bool
	stdout        bool
	output        string
	parallelism   int
	chunkSize     int64
	importIndex   string
	exportIndex   string
	countLines    bool
	lineChar      string
	analyze       bool
	verify        bool
	sparseWindows bool
}

func newRootCommand() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "pgzdx [flags] FILE...",
		Short: "Parallel decompressor for gzip, zlib, raw-deflate, and bzip2 streams",
		Long: "pgzdx decodes gzip/zlib/raw-deflate (and, as a companion, bzip2)\n" +
			"streams across multiple cores while preserving exact byte-for-byte\n" +
			"output, and can export/import a seek index for later random access.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandGlobs(args)
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			if !f.decompress {
				return fmt.Errorf("%w: compression is out of scope; pgzdx only decompresses", errUsage)
			}
			if f.stdout && f.output != "" {
				return fmt.Errorf("%w: --stdout and --output are mutually exclusive", errUsage)
			}
			if f.output != "" && len(paths) > 1 {
				return fmt.Errorf("%w: --output cannot be combined with multiple input files", errUsage)
			}
			return runDecompress(cmd, f, paths)
		},
	}

	cmd.Flags().BoolVarP(&f.decompress, "decompress", "d", false, "decompress input (the only supported direction)")
	cmd.Flags().BoolVarP(&f.stdout, "stdout", "c", false, "write decoded output to stdout")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write decoded output to FILE")
	cmd.Flags().IntVarP(&f.parallelism, "parallelism", "P", 0, "worker parallelism (0 = auto)")
	cmd.Flags().Int64Var(&f.chunkSize, "chunk-size", 0, "split decoded chunks at this many bytes (0 = no splitting)")
	cmd.Flags().StringVar(&f.importIndex, "import-index", "", "seed BlockMap from a previously exported index FILE")
	cmd.Flags().StringVar(&f.exportIndex, "export-index", "", "write a seek index to FILE after decoding")
	cmd.Flags().BoolVar(&f.countLines, "count-lines", false, "report a cumulative newline-offset table")
	cmd.Flags().StringVar(&f.lineChar, "count-lines-char", "\n", "the byte --count-lines counts (default newline)")
	cmd.Flags().BoolVar(&f.analyze, "analyze", false, "report format/size/chunk statistics instead of decoded bytes")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "verify every CRC32 in the stream, reporting mismatches as a decompression error")
	cmd.Flags().BoolVar(&f.sparseWindows, "sparse-windows", false, "store a published window's known-zero leading bytes as a mask instead of raw zeros")

	return cmd
}

// expandGlobs resolves each argument as a doublestar pattern against the
// real filesystem -- since a shell that doesn't expand braces/globs (or
// a caller driving pgzdx programmatically) should still get batch-file
// behavior.
func expandGlobs(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		matches, err := doublestar.FilepathGlob(a)
		if err != nil {
			return nil, fmt.Errorf("bad glob pattern %q: %w", a, err)
		}
		if len(matches) == 0 {
			if _, err := os.Stat(a); err == nil {
				matches = []string{a}
			} else {
				return nil, fmt.Errorf("no file matches %q", a)
			}
		}
		out = append(out, matches...)
	}
	return out, nil
}
