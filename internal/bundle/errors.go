package bundle

import (
	"gitlab.com/tozd/go/errors"
)

// Error kinds. Match them with errors.Is.
var (
	ErrAlreadyExists  = errors.New("already exists")
	ErrNotFound       = errors.New("not found")
	ErrCorrupt        = errors.New("corrupt")
	ErrIOFailure      = errors.New("I/O failure")
	ErrAlreadyRunning = errors.New("in use by another session")
)

// Error describes a failed bundle operation.
type Error struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := "bundle: " + e.Op + " " + e.Path + ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, path string, kind, err error) *Error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}
