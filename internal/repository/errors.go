package repository

import (
	"errors"
	"fmt"
)

// Kind classifies a backend failure. Backends decide the kind once, at the
// adapter boundary; callers only ever inspect the kind.
type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindAlreadyExists
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindTransient:
		return "transient"
	default:
		return "other"
	}
}

var (
	ErrNotFound      = errors.New("repository: not found")
	ErrAlreadyExists = errors.New("repository: already exists")
	ErrTransient     = errors.New("repository: transient failure")
)

// Error is the error type returned by every Store implementation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError builds a classified backend error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("repository: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("repository: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets callers match on the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrAlreadyExists:
		return e.Kind == KindAlreadyExists
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

// KindOf returns the kind of a repository error, or KindOther for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}
