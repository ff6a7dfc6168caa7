package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/fruitsalade/storage-browser/internal/vpath"
)

// Error kinds. Every error returned by an adapter matches exactly one of
// these through errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrTransient            = errors.New("transient backend error")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrPartialRename        = errors.New("partial rename")
	ErrAlreadyExists        = errors.New("already exists")

	// ErrInvalidSegment is re-exported so callers need a single import.
	ErrInvalidSegment = vpath.ErrInvalidSegment
)

// OpError records a failed backend operation.
type OpError struct {
	Op      string // list, upload, delete, public_url, rename, create_folder, fetch
	Path    string
	Backend string
	Kind    error
	Err     error
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("%s %s %q", e.Backend, e.Op, e.Path)
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil && e.Err != e.Kind {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewOpError builds an OpError, classifying err when kind is nil.
func NewOpError(backend, op, path string, kind, err error) *OpError {
	if kind == nil {
		kind = Classify(err)
	}
	return &OpError{Op: op, Path: path, Backend: backend, Kind: kind, Err: err}
}

// PartialRenameError means the new object was written but the old one could
// not be deleted: both now exist and need manual cleanup.
type PartialRenameError struct {
	OldPath string
	NewPath string
	Err     error
}

func (e *PartialRenameError) Error() string {
	return fmt.Sprintf("rename %q -> %q: copied but original not deleted, both objects exist: %v",
		e.OldPath, e.NewPath, e.Err)
}

func (e *PartialRenameError) Unwrap() []error {
	return []error{ErrPartialRename, e.Err}
}

// KindOf returns the error kind of err, or nil when err carries none.
// ErrPartialRename takes precedence because the delete-step cause
// underneath it has a kind of its own.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrPartialRename,
		ErrInvalidSegment,
		ErrUnsupportedOperation,
		ErrAlreadyExists,
		ErrNotFound,
		ErrPermissionDenied,
		ErrTransient,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns a stable identifier for the kind of err.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrPartialRename:
		return "partial_rename"
	case ErrInvalidSegment:
		return "invalid_segment"
	case ErrUnsupportedOperation:
		return "unsupported_operation"
	case ErrAlreadyExists:
		return "already_exists"
	case ErrNotFound:
		return "not_found"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrTransient:
		return "transient"
	}
	return "unknown"
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == ErrTransient
}

// Classify maps an arbitrary error onto a kind. Unknown errors are treated
// as transient: they are surfaced to the caller, never retried here.
func Classify(err error) error {
	if kind := KindOf(err); kind != nil {
		return kind
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, fs.ErrExist):
		return ErrAlreadyExists
	}
	return ErrTransient
}

// KindForStatus maps an HTTP status code onto a kind.
func KindForStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrPermissionDenied
	case status == http.StatusMethodNotAllowed, status == http.StatusNotImplemented:
		return ErrUnsupportedOperation
	case status == http.StatusConflict:
		return ErrAlreadyExists
	}
	return ErrTransient
}
