package core

import "fmt"

// InvariantError reports a programming error at a call site, such as
// executing a process without an execution id. It is never retried.
type InvariantError struct {
	Op      string
	Message string
}

// Error implements the error interface for InvariantError.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// ActivityError is recorded when an element execution fails. It travels in
// message content so it must stay JSON serializable; Cause is dropped on
// serialization.
type ActivityError struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Code    string `json:"code,omitempty"`
	Source  *Ref   `json:"source,omitempty"`
	Cause   error  `json:"-"`
}

// NewActivityError wraps cause as an ActivityError raised by source.
func NewActivityError(message string, source Ref, cause error) *ActivityError {
	return &ActivityError{
		Message: message,
		Name:    "ActivityError",
		Source:  &source,
		Cause:   cause,
	}
}

// Error implements the error interface for ActivityError.
func (e *ActivityError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *ActivityError) Unwrap() error {
	return e.Cause
}
