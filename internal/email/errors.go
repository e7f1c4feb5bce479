package email

import "fmt"

// ConnectError is a failure to reach, authenticate to, or open the
// mailbox. It is fatal to the cycle.
type ConnectError struct {
	// Stage is "connect" or "select".
	Stage string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mailbox %s: %v", e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SearchError is a failed UNSEEN search. It is fatal to the cycle.
type SearchError struct {
	Err error
}

func (e *SearchError) Error() string { return "search unseen: " + e.Err.Error() }

func (e *SearchError) Unwrap() error { return e.Err }

// FetchError is a failure of the batch fetch itself. Messages yielded
// before it are still valid; the cycle ends after it.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch: " + e.Err.Error() }

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means one message could not be decoded. The message has
// already been marked seen and is skipped.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message UID %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
