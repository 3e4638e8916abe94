package chat

import "fmt"

// ValidationError rejects a request before anything is stored or streamed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RetrievalError means the prior history could not be read, so no stream
// was opened.
type RetrievalError struct {
	UserID int64
	Err    error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve history for user %d: %v", e.UserID, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}
