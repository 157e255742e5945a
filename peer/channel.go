package peer

import (
	"sync"

	"github.com/matrix-org/signage-sync/wire"
)

// messageBuffer is how many undelivered payloads a channel holds before dropping.
const messageBuffer = 16

type ChannelState int32

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// Channel is a bidirectional channel between two sessions, forwarded by the relay. It can only
// be used once Opened() has fired, which happens after both ends have agreed to it.
type Channel struct {
	id      string
	remote  string // identifier of the sender
	inbound bool   // true if the remote side dialed us
	session *Session

	mu       sync.Mutex
	state    ChannelState
	err      error
	opened   chan struct{}
	done     chan struct{}
	messages chan []byte
}

func newChannel(s *Session, id, remote string, inbound bool) *Channel {
	return &Channel{
		id:       id,
		remote:   remote,
		inbound:  inbound,
		session:  s,
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
		messages: make(chan []byte, messageBuffer),
	}
}

func (c *Channel) ID() string {
	return c.id
}

// Remote returns the identifier this channel was dialed to.
func (c *Channel) Remote() string {
	return c.remote
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Opened is closed when the channel becomes usable. It is never closed if the channel fails
// while opening.
func (c *Channel) Opened() <-chan struct{} {
	return c.opened
}

// Done is closed when the channel is closed, by either side or because opening it failed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns why the channel closed, or nil if it has not.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Messages returns payloads from the remote side in the order they were sent. Payloads that
// arrived before Done() fired remain readable after it.
func (c *Channel) Messages() <-chan []byte {
	return c.messages
}

func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	state, err := c.state, c.err
	c.mu.Unlock()
	switch state {
	case ChannelOpening:
		return ErrChannelNotOpen
	case ChannelClosed:
		if err == nil {
			err = ErrChannelClosed
		}
		return err
	}
	return c.session.write(&wire.Envelope{
		Type:    wire.TypeData,
		Channel: c.id,
		Payload: payload,
	})
}

// Close the channel. The remote side sees it close. Safe to call more than once.
func (c *Channel) Close() error {
	if !c.finish(ErrChannelClosed) {
		return nil
	}
	c.session.removeChannel(c.id)
	return c.session.write(&wire.Envelope{
		Type:    wire.TypeClose,
		Channel: c.id,
	})
}

func (c *Channel) markOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ChannelOpening {
		return false
	}
	c.state = ChannelOpen
	close(c.opened)
	return true
}

func (c *Channel) deliver(payload []byte) {
	select {
	case c.messages <- payload:
	default:
		logger.Warn().Str("channel", c.id).Int("len", len(payload)).Msg("channel buffer full, dropping payload")
	}
}

// finish moves the channel to closed. Returns false if it was already closed. If the channel was
// still opening, err is reported as a negotiation failure.
func (c *Channel) finish(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChannelClosed {
		return false
	}
	if c.state == ChannelOpening {
		if _, ok := err.(*NegotiationError); !ok {
			err = &NegotiationError{
				Identifier: c.remote,
				Channel:    c.id,
				Err:        err,
			}
		}
	}
	c.state = ChannelClosed
	c.err = err
	close(c.done)
	return true
}
