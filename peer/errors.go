package peer

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed  = errors.New("peer session closed")
	ErrChannelClosed  = errors.New("channel closed")
	ErrChannelNotOpen = errors.New("channel is not open")
	ErrAlreadyBound   = errors.New("session already holds an identifier")
	ErrBindInProgress = errors.New("a registration is already in progress")
)

// RelayError is an error envelope sent by the relay.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// RegistrationError is returned when a session could not be bound to an identifier: the
// identifier is taken, the session already holds one, or the relay is unreachable.
type RegistrationError struct {
	Identifier string
	Err        error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register %s: %s", e.Identifier, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// NegotiationError is returned when a channel to Identifier could not be opened: nobody is
// registered under it, the sender never accepted, or the relay connection failed.
type NegotiationError struct {
	Identifier string
	Channel    string
	Err        error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("failed to open channel %s to %s: %s", e.Channel, e.Identifier, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// RelayErrCode returns the relay error code wrapped in err, or "" if err did not come from the
// relay.
func RelayErrCode(err error) string {
	var rerr *RelayError
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return ""
}
