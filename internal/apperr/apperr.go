// Package apperr defines the small closed error taxonomy the engine
// reports to command callers. Transport and I/O failures during a transfer
// are observed in the download snapshot, not returned from a command
// handler; a command whose own store or disk operation fails returns that
// error.
package apperr

import "errors"

var (
	// ErrInvalidPath means a folder escapes the configured download root.
	ErrInvalidPath = errors.New("invalid-path")
	// ErrInvalidState means a command was issued against a download whose
	// current status does not permit it.
	ErrInvalidState = errors.New("invalid-state")
	// ErrNotFound means the command referenced an unknown download id.
	ErrNotFound = errors.New("not-found")
	// ErrValidation means a setting value or required field was malformed.
	ErrValidation = errors.New("validation")
	// ErrTransport means a network or TLS failure, or an HTTP error status
	// on the body response.
	ErrTransport = errors.New("transport")
	// ErrIO means a local disk failure writing, creating, or deleting.
	ErrIO = errors.New("io")
	// ErrCancelled marks a transfer that ended because it was cancelled.
	// Never returned to the caller of cancel; only observable as a status.
	ErrCancelled = errors.New("cancelled")
)

// Wrap attaches one of the sentinel kinds above to cause so callers can
// still unwrap to the original error while matching with errors.Is(err, Kind).
func Wrap(kind error, cause error) error {
	if cause == nil {
		return kind
	}
	return &wrapped{kind: kind, cause: cause}
}

type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string {
	return w.kind.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() error {
	return w.cause
}

func (w *wrapped) Is(target error) bool {
	return target == w.kind
}
