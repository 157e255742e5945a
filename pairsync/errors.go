package pairsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/signage-sync/peer"
	"github.com/matrix-org/signage-sync/transfer"
	"github.com/matrix-org/signage-sync/wire"
)

var (
	ErrNotOpen = errors.New("pairsync: not open")
	ErrBusy    = errors.New("pairsync: a sync is already in progress")
)

const (
	msgSenderNotFound = "sender not found: confirm the code and that the sender has the broadcast screen open"
	msgTimeout        = "timed out, confirm the sender has the broadcast screen open"
)

// TimeoutError is reported when the other device could not be reached in time.
type TimeoutError struct {
	After time.Duration
	Phase Status
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v while %s", e.After, e.Phase)
}

// userMessage turns an error from any layer into something short enough to show on screen.
func userMessage(err error) string {
	var timeoutErr *TimeoutError
	var malformedErr *transfer.MalformedPayloadError
	var regErr *peer.RegistrationError
	var negErr *peer.NegotiationError
	switch peer.RelayErrCode(err) {
	case wire.ErrCodeUnknownIdentifier:
		return msgSenderNotFound
	case wire.ErrCodeOfferExpired:
		return "the sender did not answer, try again"
	case wire.ErrCodeIdentifierTaken:
		return "pairing code already in use, close and open again for a new code"
	case wire.ErrCodeBindingExpired:
		return "pairing code expired, close and open again for a new code"
	}
	switch {
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return msgTimeout
	case errors.As(err, &malformedErr):
		return "received data was not a valid snapshot"
	case errors.As(err, &regErr):
		return "could not register with the relay"
	case errors.As(err, &negErr):
		return "could not connect to the sender"
	case errors.Is(err, transfer.ErrClosedEarly):
		return "the other device disconnected"
	}
	return "sync failed: " + err.Error()
}
