// Package relay is the rendezvous service: senders register a pairing identifier over a
// websocket, receivers dial it, and the relay forwards channel payloads between the two.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/matrix-org/signage-sync/internal"
	"github.com/matrix-org/signage-sync/pairing"
	"github.com/matrix-org/signage-sync/pubsub"
	"github.com/matrix-org/signage-sync/wire"
	"github.com/matrix-org/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Config struct {
	// How long an identifier stays registered without anyone dialing it. Default 30m.
	BindingTTL time.Duration
	// How long a sender has to accept a dialed channel. Default 10s.
	OfferTTL time.Duration
	// Number of envelopes buffered per connection before writes to it block. Default 64.
	QueueSize int
	// Largest websocket message accepted. Snapshots carry inline images so this is generous.
	// Default 32MiB.
	MaxMessageSize int64
	// Register relay metrics with the default Prometheus registry.
	EnablePrometheus bool
}

func (c *Config) setDefaults() {
	if c.BindingTTL == 0 {
		c.BindingTTL = 30 * time.Minute
	}
	if c.OfferTTL == 0 {
		c.OfferTTL = 10 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 32 * 1024 * 1024
	}
}

// Handler is a net/http Handler serving the relay websocket at /v1/relay and a JSON summary
// at /v1/status.
type Handler struct {
	cfg      Config
	router   *mux.Router
	upgrader websocket.Upgrader
	registry *Registry
	ps       *pubsub.PubSub
	notifier pubsub.Notifier
	metrics  *metrics

	connsMu sync.Mutex
	conns   map[string]*websocket.Conn
	wg      sync.WaitGroup
}

func NewHandler(cfg Config) *Handler {
	cfg.setDefaults()
	h := &Handler{
		cfg:      cfg,
		registry: NewRegistry(cfg.BindingTTL, cfg.OfferTTL),
		ps:       pubsub.NewPubSub(cfg.QueueSize),
		conns:    make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// peers are browsers and TVs on arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.notifier = h.ps
	if cfg.EnablePrometheus {
		h.metrics = newMetrics()
		h.notifier = pubsub.NewPromNotifier(h.ps, "relay")
	}
	h.registry.onOfferExpired = h.onOfferExpired
	h.registry.onBindingExpired = h.onBindingExpired

	h.router = mux.NewRouter()
	h.router.Handle(relayPath, http.HandlerFunc(h.serveRelay))
	h.router.Handle("/v1/status", util.MakeJSONAPI(util.NewJSONRequestHandler(h.onStatus))).Methods("GET")
	return h
}

const relayPath = "/v1/relay"

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(w, req)
}

// Teardown stops background work and unregisters metrics. Connections still open are closed
// from the relay side.
func (h *Handler) Teardown() {
	h.registry.Close()
	h.notifier.Close()
	h.connsMu.Lock()
	for _, conn := range h.conns {
		conn.Close()
	}
	h.connsMu.Unlock()
	h.wg.Wait()
	if h.metrics != nil {
		h.metrics.unregister()
	}
}

func (h *Handler) Stats() RegistryStats {
	return h.registry.Stats()
}

func (h *Handler) onStatus(req *http.Request) util.JSONResponse {
	return util.JSONResponse{
		Code: 200,
		JSON: h.registry.Stats(),
	}
}

// endpoint is a single websocket connection, i.e one peer session.
type endpoint struct {
	id   string
	conn *websocket.Conn
}

func (h *Handler) serveRelay(w http.ResponseWriter, req *http.Request) {
	if req.Method != "GET" {
		herr := &internal.HandlerError{
			StatusCode: http.StatusMethodNotAllowed,
			Err:        fmt.Errorf("%s not allowed", req.Method),
			ErrCode:    wire.ErrCodeBadRequest,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
		return
	}
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		hlog.FromRequest(req).Warn().Err(err).Msg("failed to upgrade relay connection")
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	ep := &endpoint{
		id:   uuid.NewString(),
		conn: conn,
	}
	ctx := internal.RequestContext(req.Context())
	ctx = internal.SentryContext(ctx, ep.id)
	internal.SetRequestContextEndpoint(ctx, ep.id)

	h.wg.Add(1)
	defer h.wg.Done()
	h.connsMu.Lock()
	h.conns[ep.id] = conn
	h.connsMu.Unlock()
	defer func() {
		h.connsMu.Lock()
		delete(h.conns, ep.id)
		h.connsMu.Unlock()
	}()
	h.metrics.connected(1)
	defer h.metrics.connected(-1)

	h.ps.Open(ep.id)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.ps.Listen(ep.id, func(p pubsub.Payload) {
			env := p.(*pubsub.EnvelopePayload).Envelope
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				logger.Debug().Err(err).Str("e", ep.id).Msg("failed to write to endpoint")
				// kick the read loop out
				conn.Close()
			}
		})
	}()

	h.readLoop(ctx, ep)

	identifier, closed := h.registry.Disconnect(ep.id)
	h.onDisconnect(ep, identifier, closed)
	h.ps.Unlisten(ep.id)
	<-writerDone
	conn.Close()
	internal.DecorateLogger(ctx, logger.Debug()).Msg("relay connection closed")
}

func (h *Handler) readLoop(ctx context.Context, ep *endpoint) {
	for {
		msgType, msg, err := ep.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Str("e", ep.id).Msg("relay read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			h.reply(ep, wire.ErrorEnvelope(nil, wire.ErrCodeBadRequest, "expected a text frame"))
			continue
		}
		var env wire.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.reply(ep, wire.ErrorEnvelope(nil, wire.ErrCodeBadRequest, "malformed envelope: "+err.Error()))
			continue
		}
		h.tryDispatch(ctx, ep, &env)
	}
}

func (h *Handler) tryDispatch(ctx context.Context, ep *endpoint, env *wire.Envelope) {
	defer func() {
		panicErr := recover()
		if panicErr != nil {
			logger.Error().Str("e", ep.id).Str("env", env.String()).Msg(string(debug.Stack()))
			internal.GetSentryHubFromContextOrDefault(ctx).RecoverWithContext(ctx, panicErr)
			h.reply(ep, wire.ErrorEnvelope(env, wire.ErrCodeBadRequest, "internal error"))
		}
	}()
	ctx, task := internal.StartTask(ctx, "relay."+env.Type)
	defer task.End()
	internal.Logf(ctx, "relay", "endpoint=%s %s", ep.id, env)

	var err error
	switch env.Type {
	case wire.TypeRegister:
		err = h.onRegister(ctx, ep, env)
	case wire.TypeDial:
		err = h.onDial(ctx, ep, env)
	case wire.TypeAccept:
		err = h.onAccept(ctx, ep, env)
	case wire.TypeData:
		err = h.onData(ctx, ep, env)
	case wire.TypeClose:
		h.onClose(ep, env)
	default:
		err = errorf(wire.ErrCodeBadRequest, "unknown envelope type %q", env.Type)
	}
	if err == nil {
		return
	}
	var rerr *relayError
	if !errors.As(err, &rerr) {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		rerr = errorf(wire.ErrCodeBadRequest, "%s", err)
	}
	internal.DecorateLogger(ctx, logger.Debug()).Str("type", env.Type).Str("errcode", rerr.code).Msg(rerr.msg)
	h.reply(ep, wire.ErrorEnvelope(env, rerr.code, rerr.msg))
}

func (h *Handler) onRegister(ctx context.Context, ep *endpoint, env *wire.Envelope) error {
	if _, ok := pairing.CodeFromIdentifier(env.ID); !ok {
		h.metrics.registration(wire.ErrCodeInvalidIdentifier)
		return errorf(wire.ErrCodeInvalidIdentifier, "%q is not a pairing identifier", env.ID)
	}
	if err := h.registry.Bind(env.ID, ep.id); err != nil {
		h.metrics.registration(err.(*relayError).code)
		return err
	}
	h.metrics.registration("ok")
	h.metrics.bound(1)
	internal.SetRequestContextIdentifier(ctx, env.ID)
	internal.SetSentryIdentifier(ctx, env.ID)
	internal.DecorateLogger(ctx, logger.Info()).Msg("registered")
	h.reply(ep, &wire.Envelope{
		Type: wire.TypeRegistered,
		ID:   env.ID,
	})
	return nil
}

func (h *Handler) onDial(ctx context.Context, ep *endpoint, env *wire.Envelope) error {
	if env.ID == "" || env.Channel == "" {
		h.metrics.dial(wire.ErrCodeBadRequest)
		return errorf(wire.ErrCodeBadRequest, "dial needs an id and a channel")
	}
	ch, err := h.registry.Dial(ep.id, env.ID, env.Channel)
	if err != nil {
		h.metrics.dial(err.(*relayError).code)
		return err
	}
	err = h.notifier.Notify(ch.target, &pubsub.EnvelopePayload{Envelope: &wire.Envelope{
		Type:    wire.TypeIncoming,
		ID:      ch.identifier,
		Channel: ch.id,
	}})
	if err != nil {
		// the sender went away between lookup and notify
		h.registry.CloseChannel(ep.id, ch.id)
		h.metrics.dial(wire.ErrCodeUnknownIdentifier)
		return errorf(wire.ErrCodeUnknownIdentifier, "%s is no longer reachable", env.ID)
	}
	h.metrics.dial("ok")
	internal.DecorateLogger(ctx, logger.Info()).Str("channel", ch.id).Str("to", ch.identifier).Msg("dialed")
	return nil
}

func (h *Handler) onAccept(ctx context.Context, ep *endpoint, env *wire.Envelope) error {
	ch, err := h.registry.Accept(ep.id, env.Channel)
	if err != nil {
		return err
	}
	h.metrics.opened(1)
	internal.AddRequestContextTraffic(ctx, 1, 0)
	open := &wire.Envelope{
		Type:    wire.TypeOpen,
		Channel: ch.id,
	}
	h.send(ch.dialer, open)
	h.send(ch.target, open)
	return nil
}

func (h *Handler) onData(ctx context.Context, ep *endpoint, env *wire.Envelope) error {
	to, err := h.registry.Route(ep.id, env.Channel)
	if err != nil {
		return err
	}
	h.metrics.payload(len(env.Payload))
	internal.AddRequestContextTraffic(ctx, 0, int64(len(env.Payload)))
	h.send(to, &wire.Envelope{
		Type:    wire.TypeData,
		Channel: env.Channel,
		Payload: env.Payload,
	})
	return nil
}

func (h *Handler) onClose(ep *endpoint, env *wire.Envelope) {
	// closing an unknown channel is not an error: both sides may close at the same time
	ch := h.registry.CloseChannel(ep.id, env.Channel)
	if ch == nil {
		return
	}
	if ch.open {
		h.metrics.opened(-1)
	}
	h.send(ch.other(ep.id), &wire.Envelope{
		Type:    wire.TypeClosed,
		Channel: ch.id,
	})
}

func (h *Handler) onDisconnect(ep *endpoint, identifier string, closed []*channelInfo) {
	if identifier != "" {
		h.metrics.bound(-1)
	}
	for _, ch := range closed {
		if ch.open {
			h.metrics.opened(-1)
		}
		h.send(ch.other(ep.id), &wire.Envelope{
			Type:    wire.TypeClosed,
			Channel: ch.id,
		})
	}
}

func (h *Handler) onOfferExpired(ch *channelInfo) {
	logger.Info().Str("channel", ch.id).Str("to", ch.identifier).Msg("channel was not accepted in time")
	h.send(ch.dialer, &wire.Envelope{
		Type:    wire.TypeError,
		ID:      ch.identifier,
		Channel: ch.id,
		ErrCode: wire.ErrCodeOfferExpired,
		Error:   "the sender did not accept the channel in time",
	})
	h.send(ch.target, &wire.Envelope{
		Type:    wire.TypeClosed,
		Channel: ch.id,
	})
}

func (h *Handler) onBindingExpired(identifier, endpointID string) {
	logger.Info().Str("i", identifier).Str("e", endpointID).Msg("binding expired")
	h.metrics.bound(-1)
	h.send(endpointID, &wire.Envelope{
		Type:    wire.TypeError,
		ID:      identifier,
		ErrCode: wire.ErrCodeBindingExpired,
		Error:   "registration expired, open the broadcast screen again",
	})
}

func (h *Handler) reply(ep *endpoint, env *wire.Envelope) {
	h.send(ep.id, env)
}

func (h *Handler) send(endpointID string, env *wire.Envelope) {
	err := h.notifier.Notify(endpointID, &pubsub.EnvelopePayload{Envelope: env})
	if err != nil && err != pubsub.ErrUnknownChan {
		logger.Warn().Err(err).Str("e", endpointID).Str("env", env.String()).Msg("failed to queue envelope")
	}
}
