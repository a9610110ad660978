package gateway

import (
	"errors"
	"fmt"
)

// PersistenceError reports that the persistence authority rejected a call or
// could not be reached.
type PersistenceError struct {
	Op   string
	Kind string
	ID   string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %q: %v", e.Op, e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NegotiationError reports a failed connection, forwarding or key action.
type NegotiationError struct {
	Verb string
	ID   string
	Err  error
}

func (e *NegotiationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %q: %v", e.Verb, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Verb, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// Message returns the underlying failure text without the verb prefix.
func (e *NegotiationError) Message() string {
	if e.Err == nil {
		return e.Verb + " failed"
	}
	return e.Err.Error()
}

// ErrorMessage returns the user-facing text of err: the bare message of a
// NegotiationError anywhere in the chain, else err.Error().
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var negotiation *NegotiationError
	if errors.As(err, &negotiation) {
		return negotiation.Message()
	}
	return err.Error()
}

func persistenceErr(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Kind: kind, ID: id, Err: err}
}

func negotiationErr(verb, id string, err error) error {
	if err == nil {
		return nil
	}
	return &NegotiationError{Verb: verb, ID: id, Err: err}
}
