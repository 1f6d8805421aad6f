package manifest

import "fmt"

type ParseErrorKind int

const (
	NetworkError ParseErrorKind = iota
	MalformedManifest
	UnsupportedFeature
)

func (k ParseErrorKind) String() string {
	switch k {
	case NetworkError:
		return fmt.Sprintf("NETWORK_ERROR[%d]", k)
	case MalformedManifest:
		return fmt.Sprintf("MALFORMED_MANIFEST[%d]", k)
	case UnsupportedFeature:
		return fmt.Sprintf("UNSUPPORTED_FEATURE[%d]", k)
	}

	return fmt.Sprintf("UNKNOWN[%d]", k)
}

// ParseError is returned by all parsing operations in this package. Kind
// can be matched using errors.Is against the sentinel errors below.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

var (
	ErrNetwork     = &ParseError{Kind: NetworkError}
	ErrMalformed   = &ParseError{Kind: MalformedManifest}
	ErrUnsupported = &ParseError{Kind: UnsupportedFeature}
)

func newParseError(kind ParseErrorKind, err error) *ParseError {
	return &ParseError{Kind: kind, Err: err}
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("manifest parse failed (%s)", e.Kind)
	}

	return fmt.Sprintf("manifest parse failed (%s): %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is allows errors.Is to match any ParseError of the same kind
// against the package sentinels.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && (t.Err == nil || t.Err == e.Err)
}
