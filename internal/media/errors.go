package media

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conditions a stream can report. All of them are
// recoverable within a session except ErrEOS.
var (
	ErrMalformedBitstream = errors.New("media: malformed bitstream")
	ErrClockRegression    = errors.New("media: media clock regression")
	ErrUnsyncedFrame      = errors.New("media: frame withheld, no clock anchor")
	ErrDriftExceeded      = errors.New("media: drift threshold exceeded")
	ErrEOS                = errors.New("media: end of stream")
	ErrDecodeFailure      = errors.New("media: decode failure")
)

// SourceError records which source and operation produced an error.
type SourceError struct {
	Source string
	Op     string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}
