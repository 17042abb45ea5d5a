// Package failure defines the error taxonomy shared by the zonal statistics engine.
// Errors carry the operation name and the offending identifier so callers can log
// them and pick a response class without the engine knowing about HTTP.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind int

const (
	// Unknown is any error that was not classified by the engine.
	Unknown Kind = iota
	// FetchFailed means an origin was unreachable or answered non-2xx.
	FetchFailed
	// MalformedGeometry means a feature geometry could not be parsed or used.
	MalformedGeometry
	// EmptyGroupUnion means a group's union failed or produced nothing.
	EmptyGroupUnion
	// RasterError means a raster was corrupt, unreadable or unsupported.
	RasterError
	// MaskingFailed means two rasters could not be combined, even after reprojection.
	MaskingFailed
	// FilterKeyNotFound means a filter or grouping key matched no feature.
	FilterKeyNotFound
	// InvalidRequest means the request itself was malformed.
	InvalidRequest
)

func (k Kind) String() string {
	switch k {
	case FetchFailed:
		return "fetch_failed"
	case MalformedGeometry:
		return "malformed_geometry"
	case EmptyGroupUnion:
		return "empty_group_union"
	case RasterError:
		return "raster_error"
	case MaskingFailed:
		return "masking_failed"
	case FilterKeyNotFound:
		return "filter_key_not_found"
	case InvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Fatal reports whether an error of this kind aborts the whole request.
// Malformed geometries and empty group unions drop one item and continue.
func (k Kind) Fatal() bool {
	return k != MalformedGeometry && k != EmptyGroupUnion
}

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "cache.fetch" or "mask.apply"
	ID   string // offending identifier: URL, path, group value, key
	Err  error
}

// New creates a classified error. err may be nil.
func New(kind Kind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// Newf creates a classified error with a formatted cause.
func Newf(kind Kind, op, id, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.ID != "" {
		msg += " [" + e.ID + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the Kind of the first classified error in err's chain,
// or Unknown if there is none.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err's chain contains a classified error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
