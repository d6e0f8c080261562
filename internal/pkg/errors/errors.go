package errors

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalid       = errors.New("invalid")
	ErrConflict      = errors.New("conflict")
	ErrTooMany       = errors.New("too many requests")
	ErrInternal      = errors.New("internal")
	ErrNotAppendable = errors.New("object is not appendable")
	ErrBusy          = errors.New("indexer run already in progress")
	ErrBatchActive   = errors.New("batch job already active")
	ErrUnavailable   = errors.New("ai provider unavailable")
)

// Kind classifies a failure by whether the caller may safely retry it.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() error {
	return e.err
}

// Transient marks err as retry-safe: no durable state was changed.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindTransient, err: err}
}

// Fatal marks err as a failure that retrying the same input will not fix.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindFatal, err: err}
}

// KindOf reports the outermost kind attached to err.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsNotAppendable(err error) bool {
	return errors.Is(err, ErrNotAppendable)
}
