package flate

import "github.com/elliotnunn/pgzdx/internal/dcode"

var (
	errNoMoreBits          = dcode.New(dcode.EOFUncompressed)
	ErrInvalidHuffmanCode  = dcode.New(dcode.InvalidHuffmanCode)
	ErrInvalidCLBackref    = dcode.New(dcode.InvalidCLBackreference)
	ErrInvalidCodeLengths  = dcode.New(dcode.InvalidCodeLengths)
	ErrInvalidCompression  = dcode.New(dcode.InvalidCompression)
	ErrNonZeroPadding      = dcode.New(dcode.NonZeroPadding)
	ErrLengthChecksum      = dcode.New(dcode.LengthChecksumMismatch)
	ErrExceededDistance    = dcode.New(dcode.ExceededDistanceRange)
	ErrExceededLiteral     = dcode.New(dcode.ExceededLiteralRange)
)
