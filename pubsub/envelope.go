package pubsub

import "github.com/matrix-org/signage-sync/wire"

// EnvelopePayload carries a relay envelope destined for a single endpoint.
type EnvelopePayload struct {
	Envelope *wire.Envelope
}

func (p *EnvelopePayload) Type() string { return p.Envelope.Type }
