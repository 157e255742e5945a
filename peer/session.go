// Package peer is the client side of the relay: a Session is one device's control connection,
// through which it can bind a pairing identifier (sender) or dial one (receiver).
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matrix-org/signage-sync/pairing"
	"github.com/matrix-org/signage-sync/wire"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// RelayPath is where the relay serves websocket connections.
const RelayPath = "/v1/relay"

// incomingBuffer is how many opened inbound channels can wait to be picked up via Incoming()
const incomingBuffer = 4

var writeTimeout = 10 * time.Second

// Session is this device's connection to the relay. A Session holds at most one identifier and
// owns every Channel opened through it: destroying the session closes them all.
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu          sync.Mutex
	identifier  string
	pendingBind chan error
	channels    map[string]*Channel
	err         error

	incoming    chan *Channel
	done        chan struct{}
	destroyOnce sync.Once
}

// RelayEndpoint turns a relay base URL (http, https, ws or wss) into the websocket URL a session
// should dial. A URL with a path is returned unchanged apart from the scheme.
func RelayEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid relay URL %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = RelayPath
	}
	return u.String(), nil
}

// Open connects to the relay at relayURL. The session is not bound to any identifier.
func Open(ctx context.Context, relayURL string) (*Session, error) {
	endpoint, err := RelayEndpoint(relayURL)
	if err != nil {
		return nil, err
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", endpoint, err)
	}
	s := &Session{
		conn:     conn,
		channels: make(map[string]*Channel),
		incoming: make(chan *Channel, incomingBuffer),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Bind connects to the relay and registers the new session under identifier. Any failure,
// including the relay being unreachable, is a *RegistrationError.
func Bind(ctx context.Context, relayURL, identifier string) (*Session, error) {
	s, err := Open(ctx, relayURL)
	if err != nil {
		return nil, &RegistrationError{
			Identifier: identifier,
			Err:        err,
		}
	}
	if err = s.Bind(ctx, identifier); err != nil {
		s.Destroy()
		return nil, err
	}
	return s, nil
}

// Bind registers this session under identifier and waits for the relay to confirm. Once bound,
// channels dialed to identifier are accepted and delivered on Incoming().
func (s *Session) Bind(ctx context.Context, identifier string) error {
	s.mu.Lock()
	if s.identifier != "" {
		s.mu.Unlock()
		return &RegistrationError{Identifier: identifier, Err: ErrAlreadyBound}
	}
	if s.pendingBind != nil {
		s.mu.Unlock()
		return &RegistrationError{Identifier: identifier, Err: ErrBindInProgress}
	}
	result := make(chan error, 1)
	s.pendingBind = result
	s.mu.Unlock()

	clearPending := func() {
		s.mu.Lock()
		if s.pendingBind == result {
			s.pendingBind = nil
		}
		s.mu.Unlock()
	}

	err := s.write(&wire.Envelope{
		Type: wire.TypeRegister,
		ID:   identifier,
	})
	if err != nil {
		clearPending()
		return &RegistrationError{Identifier: identifier, Err: err}
	}
	select {
	case err = <-result:
	case <-ctx.Done():
		clearPending()
		err = ctx.Err()
	case <-s.done:
		err = s.Err()
	}
	if err != nil {
		return &RegistrationError{Identifier: identifier, Err: err}
	}
	logger.Debug().Str("identifier", identifier).Msg("bound")
	return nil
}

// Identifier returns the identifier this session is bound to, or "".
func (s *Session) Identifier() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifier
}

// Connect dials the sender registered under code. It returns immediately with the channel in
// ChannelOpening: wait on its Opened() and Done(). If ctx finishes before the channel opens, the
// channel fails with a *NegotiationError wrapping ctx.Err() and a later open from the relay is
// discarded.
func (s *Session) Connect(ctx context.Context, code string) (*Channel, error) {
	if !pairing.ValidCode(strings.ToUpper(code)) {
		return nil, pairing.ErrInvalidCode
	}
	identifier := pairing.DeriveIdentifier(code)
	ch := newChannel(s, uuid.NewString(), identifier, false)
	if !s.addChannel(ch) {
		return nil, &NegotiationError{Identifier: identifier, Channel: ch.id, Err: s.Err()}
	}
	err := s.write(&wire.Envelope{
		Type:    wire.TypeDial,
		ID:      identifier,
		Channel: ch.id,
	})
	if err != nil {
		s.removeChannel(ch.id)
		ch.finish(err)
		return nil, ch.Err()
	}
	go func() {
		select {
		case <-ch.Opened():
		case <-ch.Done():
		case <-ctx.Done():
			if ch.finish(ctx.Err()) {
				s.removeChannel(ch.id)
				// tell the relay so the sender doesn't hang on to a dead channel
				s.write(&wire.Envelope{Type: wire.TypeClose, Channel: ch.id})
			}
		}
	}()
	return ch, nil
}

// Incoming delivers channels dialed to this session's identifier once they are open.
func (s *Session) Incoming() <-chan *Channel {
	return s.incoming
}

// Done is closed when the session ends, either through Destroy or because the relay connection
// dropped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil if it is still alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Destroy closes the relay connection, releasing the identifier and closing every channel.
// Safe to call more than once.
func (s *Session) Destroy() {
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.shutdown(ErrSessionClosed)
}

func (s *Session) shutdown(err error) {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		channels := s.channels
		s.channels = make(map[string]*Channel)
		pending := s.pendingBind
		s.pendingBind = nil
		s.identifier = ""
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()
		for _, ch := range channels {
			ch.finish(err)
		}
		if pending != nil {
			pending <- err
		}
	})
}

func (s *Session) write(env *wire.Envelope) error {
	select {
	case <-s.done:
		return s.Err()
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write %s: %w", env.Type, err)
	}
	return nil
}

func (s *Session) addChannel(ch *Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.channels[ch.id] = ch
	return true
}

func (s *Session) channel(id string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

func (s *Session) removeChannel(id string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[id]
	delete(s.channels, id)
	return ch
}

func (s *Session) readLoop() {
	for {
		var env wire.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			select {
			case <-s.done: // we closed it
			default:
				logger.Warn().Err(err).Msg("relay connection lost")
			}
			s.shutdown(fmt.Errorf("%w: %s", ErrSessionClosed, err))
			return
		}
		s.dispatch(&env)
	}
}

func (s *Session) dispatch(env *wire.Envelope) {
	logger.Trace().Str("env", env.String()).Msg("recv")
	switch env.Type {
	case wire.TypeRegistered:
		s.mu.Lock()
		s.identifier = env.ID
		pending := s.pendingBind
		s.pendingBind = nil
		s.mu.Unlock()
		if pending != nil {
			pending <- nil
		}
	case wire.TypeError:
		s.onError(env)
	case wire.TypeIncoming:
		ch := newChannel(s, env.Channel, env.ID, true)
		if !s.addChannel(ch) {
			return
		}
		if err := s.write(&wire.Envelope{Type: wire.TypeAccept, Channel: ch.id}); err != nil {
			s.removeChannel(ch.id)
			ch.finish(err)
		}
	case wire.TypeOpen:
		ch := s.channel(env.Channel)
		if ch == nil || !ch.markOpen() {
			if ch == nil || ch.State() == ChannelClosed {
				// we gave up on this channel already
				logger.Debug().Str("channel", env.Channel).Msg("discarding late open")
				s.write(&wire.Envelope{Type: wire.TypeClose, Channel: env.Channel})
			}
			return
		}
		if !ch.inbound {
			return
		}
		select {
		case s.incoming <- ch:
		default:
			logger.Warn().Str("channel", ch.id).Msg("too many unhandled incoming channels, closing")
			ch.Close()
		}
	case wire.TypeData:
		ch := s.channel(env.Channel)
		if ch == nil || ch.State() != ChannelOpen {
			logger.Debug().Str("channel", env.Channel).Msg("data for unknown channel")
			return
		}
		ch.deliver(env.Payload)
	case wire.TypeClosed:
		if ch := s.removeChannel(env.Channel); ch != nil {
			ch.finish(ErrChannelClosed)
		}
	default:
		logger.Warn().Str("type", env.Type).Msg("unknown envelope type from relay")
	}
}

func (s *Session) onError(env *wire.Envelope) {
	rerr := &RelayError{Code: env.ErrCode, Message: env.Error}
	if env.Channel != "" {
		if ch := s.removeChannel(env.Channel); ch != nil {
			ch.finish(rerr)
		}
		return
	}
	if env.ErrCode == wire.ErrCodeBindingExpired {
		// nobody can reach us any more, so the session is of no use
		logger.Info().Str("identifier", env.ID).Msg("registration expired")
		s.shutdown(&RegistrationError{Identifier: env.ID, Err: rerr})
		return
	}
	s.mu.Lock()
	pending := s.pendingBind
	s.pendingBind = nil
	s.mu.Unlock()
	if pending != nil {
		pending <- rerr
		return
	}
	if errors.Is(s.Err(), ErrSessionClosed) {
		return
	}
	logger.Warn().Str("errcode", env.ErrCode).Str("error", env.Error).Msg("relay error")
}
