package fetch

import "fmt"

type ErrorKind int

const (
	StorageInsufficient ErrorKind = iota
	NetworkFailure
	Cancelled
)

func (k ErrorKind) String() string {
	switch k {
	case StorageInsufficient:
		return fmt.Sprintf("STORAGE_INSUFFICIENT[%d]", k)
	case NetworkFailure:
		return fmt.Sprintf("NETWORK_FAILURE[%d]", k)
	case Cancelled:
		return fmt.Sprintf("CANCELLED[%d]", k)
	}

	return fmt.Sprintf("UNKNOWN[%d]", k)
}

// Error is the failure reported by a download attempt for reasons
// other than parsing or muxing.
type Error struct {
	Kind ErrorKind
	Err  error
}

var (
	ErrStorageInsufficient = &Error{Kind: StorageInsufficient}
	ErrNetworkFailure      = &Error{Kind: NetworkFailure}
	ErrCancelled           = &Error{Kind: Cancelled}
)

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Kind == Cancelled && e.Err == nil:
		return "download cancelled"
	case e.Err == nil:
		return fmt.Sprintf("download failed (%s)", e.Kind)
	}

	return fmt.Sprintf("download failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && (t.Err == nil || t.Err == e.Err)
}
