package remote

import (
	"errors"
	"fmt"
)

// Class buckets every remote-origin failure. Transient errors are
// retried with backoff and never surface until the attempt ceiling;
// terminal errors surface immediately as a failed write; fatal errors
// (local store) propagate to the host.
type Class int

const (
	Transient Class = iota
	Terminal
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	default:
		return "fatal"
	}
}

// Error carries the classification alongside the underlying cause and,
// when the failure came from an HTTP exchange, the status code.
type Error struct {
	Class  Class
	Status int
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoToken is returned when the credential supplier cannot produce a
// token within its bounded timeout. Treated as transient.
var ErrNoToken = errors.New("no valid token")

// ClassOf extracts the class from an error chain; unclassified errors
// are treated as transient so an unknown network failure is retried
// rather than dropped.
func ClassOf(err error) Class {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return Transient
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool { return ClassOf(err) == Transient }

// IsTerminal reports whether the error must surface as a failed write.
func IsTerminal(err error) bool { return ClassOf(err) == Terminal }

// classifyStatus maps an HTTP status to a class. 401 counts as
// transient because an expired credential is refreshed out-of-band and
// the write retried.
func classifyStatus(status int) Class {
	switch {
	case status == 408 || status == 429:
		return Transient
	case status == 401:
		return Transient
	case status >= 500:
		return Transient
	case status >= 400:
		return Terminal
	default:
		return Transient
	}
}

// classifyNetErr maps a transport error to a class. A request that died
// before producing a status (timeout, reset, cancellation) is always
// retryable.
func classifyNetErr(err error) Class { return Transient }
