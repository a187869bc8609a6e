package kafka

import "fmt"

// SessionError reports a fatal consumer-group transport failure: the broker
// session could not be established or was lost in a way sarama does not
// recover from. The dispatch loop surfaces it unchanged so the process
// exits and supervision restarts from the last committed offset.
type SessionError struct {
	Topic   string
	GroupID string
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("consumer group session on %s (group %s): %v", e.Topic, e.GroupID, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
