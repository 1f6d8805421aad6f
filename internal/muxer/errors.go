package muxer

import (
	"errors"
	"fmt"
)

var (
	ErrNoSegments       = errors.New("no segments found to mux")
	ErrOutputNotCreated = errors.New("remux reported success but no output file was created")
)

// MuxingFailedError is returned when neither the remux nor the
// fallback concatenation could produce an output.
type MuxingFailedError struct {
	Reason string
	Err    error
}

func (e *MuxingFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("muxing failed: %s: %v", e.Reason, e.Err)
	}

	return fmt.Sprintf("muxing failed: %s", e.Reason)
}

func (e *MuxingFailedError) Unwrap() error { return e.Err }

// ExportFailedError is returned when the muxed output could not be
// moved in to its final output directory.
type ExportFailedError struct {
	Reason string
	Err    error
}

func (e *ExportFailedError) Error() string {
	return fmt.Sprintf("export failed: %s: %v", e.Reason, e.Err)
}

func (e *ExportFailedError) Unwrap() error { return e.Err }

func muxingFailed(reason string, err error) error {
	return &MuxingFailedError{Reason: reason, Err: err}
}

func exportFailed(reason string, err error) error {
	return &ExportFailedError{Reason: reason, Err: err}
}
