package errorsx

import "errors"

// ReasonedError carries a ReasonCode alongside the underlying error so
// log lines and metric labels can pivot on a stable code instead of an
// error string.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap tags err with a reason code. The first code wins: an error that
// already carries one keeps it, so the stage closest to the failure
// decides the classification. Nil in, nil out.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason returns the code carried anywhere in err's chain, or
// ReasonUnknown when none was attached.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries exactly the given code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
