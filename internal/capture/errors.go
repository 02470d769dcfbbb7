package capture

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports that neither strategy produced an answer before the
// deadline. Retryable by the caller with a fresh attempt, not by this engine.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no answer within %s", e.Op, e.Budget.Round(time.Millisecond))
}

// TransportError reports that the control connection or a page evaluation
// itself failed. Routes to the caller's fresh-session fallback.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StaleError reports recovered content that predates the turn-index floor or
// fails the prompt-echo match. Callers attempt one recovery, then accept the
// answer as best-effort.
type StaleError struct {
	TurnIndex int
	Floor     int
	Reason    string
}

func (e *StaleError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("stale answer: %s", e.Reason)
	}
	return fmt.Sprintf("stale answer: turn %d at or before floor %d", e.TurnIndex, e.Floor)
}

// IsTimeout reports whether err is a capture timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Soft records a best-effort failure that was logged and swallowed, never
// escalated into the capture result. Cancellation and cleanup failures land
// here so tests can assert they do not surface.
type Soft struct {
	Op  string
	Err error
}
