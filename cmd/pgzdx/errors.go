package main

import (
	"errors"
	"os"

	"github.com/elliotnunn/pgzdx/internal/dcode"
)

// errUsage marks a command-line usage mistake (bad flag combination,
// missing argument) distinct from an I/O or decode failure.
var errUsage = errors.New("pgzdx: usage error")

// exitCodeFor maps a returned error to the CLI's documented exit code.
func exitCodeFor(err error) int {
	var de *dcode.Error
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, errUsage):
		return exitUsageError
	case errors.As(err, &de):
		return exitDecompressionError
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return exitIOError
	default:
		return exitIOError
	}
}
