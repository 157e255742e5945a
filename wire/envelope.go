// Package wire defines the control envelopes exchanged between a peer session and the relay
// over the websocket control connection.
package wire

import (
	"fmt"
)

// Envelope types sent by peers
const (
	TypeRegister = "register" // bind ID to this connection
	TypeDial     = "dial"     // open Channel to ID
	TypeAccept   = "accept"   // accept an incoming Channel
	TypeData     = "data"     // send Payload down Channel
	TypeClose    = "close"    // close Channel
)

// Envelope types sent by the relay
const (
	TypeRegistered = "registered"
	TypeIncoming   = "incoming"
	TypeOpen       = "open"
	TypeClosed     = "closed"
	TypeError      = "error"
	// TypeData is also sent by the relay when forwarding a payload.
)

// Error codes carried in TypeError envelopes
const (
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeInvalidIdentifier = "INVALID_IDENTIFIER"
	ErrCodeIdentifierTaken   = "IDENTIFIER_TAKEN"
	ErrCodeAlreadyBound      = "ALREADY_BOUND"
	ErrCodeUnknownIdentifier = "UNKNOWN_IDENTIFIER"
	ErrCodeUnknownChannel    = "UNKNOWN_CHANNEL"
	ErrCodeChannelNotOpen    = "CHANNEL_NOT_OPEN"
	ErrCodeOfferExpired      = "OFFER_EXPIRED"
	ErrCodeBindingExpired    = "BINDING_EXPIRED"
)

// Envelope is a single websocket text frame. Which fields are set depends on Type.
//
//	register   -> ID
//	registered -> ID
//	dial       -> ID, Channel (chosen by the dialer)
//	incoming   -> ID, Channel
//	accept     -> Channel
//	open       -> Channel
//	data       -> Channel, Payload
//	close      -> Channel
//	closed     -> Channel
//	error      -> ErrCode, Error, and Channel or ID if the error relates to one
type Envelope struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	ErrCode string `json:"errcode,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (e *Envelope) String() string {
	if e.Type == TypeError {
		return fmt.Sprintf("%s[%s %s ch=%s id=%s]", e.Type, e.ErrCode, e.Error, e.Channel, e.ID)
	}
	return fmt.Sprintf("%s[ch=%s id=%s len=%d]", e.Type, e.Channel, e.ID, len(e.Payload))
}

// ErrorEnvelope builds an error envelope in reply to req, copying the channel/identifier it
// relates to.
func ErrorEnvelope(req *Envelope, errcode, msg string) *Envelope {
	env := &Envelope{
		Type:    TypeError,
		ErrCode: errcode,
		Error:   msg,
	}
	if req != nil {
		env.Channel = req.Channel
		env.ID = req.ID
	}
	return env
}
