package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared by every component. Callers branch on these with
// errors.Is; the concrete *Error carries the detail.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrSourceUnavailable  = errors.New("source unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrAccountingAnomaly  = errors.New("accounting anomaly")
)

// Error is a classified failure.
type Error struct {
	Kind    error  // one of the Err* kinds above
	Subject string // field, source or operation the failure is about
	Msg     string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Subject != "" {
		s += ": " + e.Subject
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// InvalidArgument reports malformed caller input.
func InvalidArgument(field, format string, args ...any) error {
	return &Error{Kind: ErrInvalidArgument, Subject: field, Msg: fmt.Sprintf(format, args...)}
}

// SourceUnavailable reports a ledger or indexer transport failure.
func SourceUnavailable(source string, err error) error {
	return &Error{Kind: ErrSourceUnavailable, Subject: source, Err: err}
}

// StorageUnavailable reports a persistence failure.
func StorageUnavailable(op string, err error) error {
	return &Error{Kind: ErrStorageUnavailable, Subject: op, Err: err}
}

// Anomaly reports an internally detected accounting inconsistency.
func Anomaly(subject, format string, args ...any) error {
	return &Error{Kind: ErrAccountingAnomaly, Subject: subject, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns a stable snake_case code for err, used in HTTP bodies,
// gate reasons and metric labels.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrAccountingAnomaly):
		return "accounting_anomaly"
	default:
		return "internal_error"
	}
}
