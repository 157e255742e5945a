package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/matrix-org/signage-sync/internal"
	"github.com/matrix-org/signage-sync/wire"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// relayError is a failure which is reported back to the endpoint as an error envelope.
type relayError struct {
	code string
	msg  string
}

func (e *relayError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func errorf(code, format string, args ...interface{}) *relayError {
	return &relayError{code: code, msg: fmt.Sprintf(format, args...)}
}

// channelInfo is a channel between the endpoint which dialed it and the endpoint which holds
// the identifier. It is pending until the target accepts it.
type channelInfo struct {
	id         string
	identifier string
	dialer     string
	target     string
	open       bool
}

// other returns the endpoint at the other end of the channel to endpointID.
func (c *channelInfo) other(endpointID string) string {
	if endpointID == c.dialer {
		return c.target
	}
	return c.dialer
}

func (c *channelInfo) involves(endpointID string) bool {
	return endpointID == c.dialer || endpointID == c.target
}

// RegistryStats is a point-in-time summary of the registry.
type RegistryStats struct {
	Bindings     int `json:"bindings"`
	PendingOpens int `json:"offers"`
	OpenChannels int `json:"channels"`
}

// Registry tracks which endpoint holds which identifier and which channels exist between
// endpoints. Bindings expire after BindingTTL without a dial; pending channels expire after
// OfferTTL if the target never accepts.
type Registry struct {
	mu         sync.Mutex
	bindings   *ttlcache.Cache[string, string] // identifier -> endpoint ID
	byEndpoint map[string]string               // endpoint ID -> identifier
	offers     *ttlcache.Cache[string, *channelInfo]
	channels   map[string]*channelInfo // channel ID -> channel, pending and open

	onOfferExpired   func(ch *channelInfo)
	onBindingExpired func(identifier, endpointID string)
}

func NewRegistry(bindingTTL, offerTTL time.Duration) *Registry {
	r := &Registry{
		bindings: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](bindingTTL),
		),
		byEndpoint: make(map[string]string),
		offers: ttlcache.New[string, *channelInfo](
			ttlcache.WithTTL[string, *channelInfo](offerTTL),
			ttlcache.WithDisableTouchOnHit[string, *channelInfo](),
		),
		channels: make(map[string]*channelInfo),
	}
	// Eviction callbacks can fire whilst the cache holds its own lock, so hop goroutines
	// before touching the registry.
	r.bindings.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		go r.expireBinding(item.Key(), item.Value())
	})
	r.offers.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *channelInfo]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		go r.expireOffer(item.Key())
	})
	go r.bindings.Start()
	go r.offers.Start()
	return r
}

// Close stops the expiry loops.
func (r *Registry) Close() {
	r.bindings.Stop()
	r.offers.Stop()
}

// Bind registers endpointID under identifier.
func (r *Registry) Bind(identifier, endpointID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.byEndpoint[endpointID]; existing != "" {
		return errorf(wire.ErrCodeAlreadyBound, "connection is already bound to %s", existing)
	}
	if r.bindings.Has(identifier) {
		return errorf(wire.ErrCodeIdentifierTaken, "%s is already registered", identifier)
	}
	r.bindings.Set(identifier, endpointID, ttlcache.DefaultTTL)
	r.byEndpoint[endpointID] = identifier
	return nil
}

// Lookup returns the endpoint bound to identifier. A successful lookup extends the binding.
func (r *Registry) Lookup(identifier string) (string, bool) {
	item := r.bindings.Get(identifier)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

// Dial creates a pending channel from endpointID to whoever holds identifier.
func (r *Registry) Dial(endpointID, identifier, channelID string) (*channelInfo, error) {
	target, ok := r.Lookup(identifier)
	if !ok {
		return nil, errorf(wire.ErrCodeUnknownIdentifier, "nobody is registered as %s", identifier)
	}
	if target == endpointID {
		return nil, errorf(wire.ErrCodeBadRequest, "cannot dial your own identifier")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[channelID]; exists {
		return nil, errorf(wire.ErrCodeBadRequest, "channel %s already exists", channelID)
	}
	ch := &channelInfo{
		id:         channelID,
		identifier: identifier,
		dialer:     endpointID,
		target:     target,
	}
	r.channels[channelID] = ch
	r.offers.Set(channelID, ch, ttlcache.DefaultTTL)
	return ch, nil
}

// Accept opens a pending channel. Only the target of the channel may accept it.
func (r *Registry) Accept(endpointID, channelID string) (*channelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.channels[channelID]
	if ch == nil || ch.target != endpointID {
		return nil, errorf(wire.ErrCodeUnknownChannel, "unknown channel %s", channelID)
	}
	if ch.open {
		return nil, errorf(wire.ErrCodeBadRequest, "channel %s is already open", channelID)
	}
	if r.offers.Get(channelID) == nil {
		return nil, errorf(wire.ErrCodeOfferExpired, "channel %s was not accepted in time", channelID)
	}
	r.offers.Delete(channelID)
	ch.open = true
	return ch, nil
}

// Route returns the endpoint which should receive data sent by endpointID on channelID.
func (r *Registry) Route(endpointID, channelID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.channels[channelID]
	if ch == nil || !ch.involves(endpointID) {
		return "", errorf(wire.ErrCodeUnknownChannel, "unknown channel %s", channelID)
	}
	if !ch.open {
		return "", errorf(wire.ErrCodeChannelNotOpen, "channel %s is not open", channelID)
	}
	to := ch.other(endpointID)
	internal.Assert("channel ends are distinct endpoints", to != endpointID)
	return to, nil
}

// CloseChannel removes a channel involving endpointID. Returns nil if there was no such channel.
func (r *Registry) CloseChannel(endpointID, channelID string) *channelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.channels[channelID]
	if ch == nil || !ch.involves(endpointID) {
		return nil
	}
	r.removeChannel(ch)
	return ch
}

// Disconnect releases everything held by endpointID, returning the identifier it was bound to
// and every channel it was part of, ordered by channel ID.
func (r *Registry) Disconnect(endpointID string) (string, []*channelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identifier := r.unbind(endpointID)
	var closed []*channelInfo
	ids := maps.Keys(r.channels)
	slices.Sort(ids)
	for _, id := range ids {
		ch := r.channels[id]
		if !ch.involves(endpointID) {
			continue
		}
		r.removeChannel(ch)
		closed = append(closed, ch)
	}
	return identifier, closed
}

func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := RegistryStats{
		Bindings: len(r.byEndpoint),
	}
	for _, ch := range r.channels {
		if ch.open {
			stats.OpenChannels++
		} else {
			stats.PendingOpens++
		}
	}
	return stats
}

// must hold r.mu
func (r *Registry) unbind(endpointID string) string {
	identifier := r.byEndpoint[endpointID]
	if identifier == "" {
		return ""
	}
	delete(r.byEndpoint, endpointID)
	if item := r.bindings.Get(identifier); item != nil && item.Value() == endpointID {
		r.bindings.Delete(identifier)
	}
	return identifier
}

// must hold r.mu
func (r *Registry) removeChannel(ch *channelInfo) {
	delete(r.channels, ch.id)
	if !ch.open {
		r.offers.Delete(ch.id)
	}
}

func (r *Registry) expireOffer(channelID string) {
	r.mu.Lock()
	ch := r.channels[channelID]
	if ch == nil || ch.open {
		r.mu.Unlock()
		return
	}
	delete(r.channels, channelID)
	r.mu.Unlock()
	if r.onOfferExpired != nil {
		r.onOfferExpired(ch)
	}
}

func (r *Registry) expireBinding(identifier, endpointID string) {
	r.mu.Lock()
	if r.byEndpoint[endpointID] != identifier {
		r.mu.Unlock()
		return
	}
	delete(r.byEndpoint, endpointID)
	r.mu.Unlock()
	if r.onBindingExpired != nil {
		r.onBindingExpired(identifier, endpointID)
	}
}
