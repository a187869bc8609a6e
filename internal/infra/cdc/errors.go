package cdc

import "fmt"

// DecodeError indicates a change envelope could not be normalized into a
// canonical event. The dispatcher reports it as a processing error but never
// aborts the batch over it; whether the offset advances past the message is
// a policy decision owned by the dispatcher.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode change envelope: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("decode change envelope: %s", e.Reason)
}

func (e DecodeError) Unwrap() error { return e.Err }
