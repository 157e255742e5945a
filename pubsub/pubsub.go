package pubsub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrUnknownChan is returned by Notify when nobody has opened the named channel, or it has
// already been closed with Unlisten.
var ErrUnknownChan = errors.New("pubsub: unknown channel")

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Listener represents the common functions required by all subscription listeners
type Listener interface {
	// Begin listening on this channel with this callback. Blocks until Unlisten(chanName) or
	// Close() is called.
	Listen(chanName string, fn func(p Payload)) error
	// Unlisten stops the listener on chanName and drops any undelivered payloads.
	Unlisten(chanName string)
	// Close the listener. No more callbacks should fire.
	Close() error
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

type queue struct {
	ch   chan Payload
	done chan struct{}
}

// PubSub is an in-memory Notifier and Listener. Every named channel is a bounded queue with a
// single listener; payloads on a channel are delivered in the order Notify was called.
type PubSub struct {
	chans         map[string]*queue
	mu            *sync.Mutex
	closed        bool
	bufferSize    int
	notifyTimeout time.Duration
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:         make(map[string]*queue),
		mu:            &sync.Mutex{},
		bufferSize:    bufferSize,
		notifyTimeout: 5 * time.Second,
	}
}

// Open creates the named channel so that Notify calls succeed before Listen has been called.
func (ps *PubSub) Open(chanName string) {
	ps.getQueue(chanName, true)
}

func (ps *PubSub) getQueue(chanName string, create bool) *queue {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	q := ps.chans[chanName]
	if q == nil && create && !ps.closed {
		q = &queue{
			ch:   make(chan Payload, ps.bufferSize),
			done: make(chan struct{}),
		}
		ps.chans[chanName] = q
	}
	return q
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	q := ps.getQueue(chanName, false)
	if q == nil {
		return ErrUnknownChan
	}
	select {
	case q.ch <- p:
		return nil
	case <-q.done:
		return ErrUnknownChan
	case <-time.After(ps.notifyTimeout):
		return fmt.Errorf("notify with payload %v timed out", p.Type())
	}
}

func (ps *PubSub) Unlisten(chanName string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	q := ps.chans[chanName]
	if q == nil {
		return
	}
	delete(ps.chans, chanName)
	close(q.done)
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for name, q := range ps.chans {
		close(q.done)
		delete(ps.chans, name)
	}
	return nil
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	q := ps.getQueue(chanName, true)
	if q == nil {
		return ErrUnknownChan
	}
	for {
		select {
		case payload := <-q.ch:
			fn(payload)
		case <-q.done:
			return nil
		}
	}
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signage_sync",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
