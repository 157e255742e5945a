// Package pairsync runs one pairing-and-sync lifecycle for either end: a Sender which
// broadcasts a snapshot under a fresh pairing code, or a Receiver which dials a code and
// applies what it is sent. Progress is reported through a Machine.
package pairsync

import (
	"context"
	"sync"
)

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusTransferring
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusTransferring:
		return "transferring"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Terminal statuses ignore every event until the machine is reset.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Update is the state of the machine after a transition.
type Update struct {
	Status Status
	// Human readable description, suitable for showing on screen.
	Message string
	// Set when Status is StatusError.
	Err error
}

// Machine is the sync status of one lifecycle. Statuses only move forward, apart from into
// StatusError which can be reached from any non-terminal status. Every lifecycle is an epoch:
// transitions for an old epoch are dropped, so work left over from a closed lifecycle cannot
// leak into the next one.
type Machine struct {
	// held for the whole of a transition including notifying listeners, so listeners see
	// transitions in order
	notifyMu sync.Mutex

	mu        sync.Mutex
	current   Update
	epoch     uint64
	changed   chan struct{}
	listeners map[int]func(Update)
	nextID    int
}

func NewMachine() *Machine {
	return &Machine{
		changed:   make(chan struct{}),
		listeners: make(map[int]func(Update)),
	}
}

func (m *Machine) Current() Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe calls fn after every transition until the returned function is called. Listeners
// are called in transition order and must not call back into the Sender or Receiver which owns
// this machine.
func (m *Machine) Subscribe(fn func(Update)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Wait blocks until the machine reaches a terminal status or ctx is done.
func (m *Machine) Wait(ctx context.Context) (Update, error) {
	for {
		m.mu.Lock()
		cur, changed := m.current, m.changed
		m.mu.Unlock()
		if cur.Status.Terminal() {
			return cur, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return m.Current(), ctx.Err()
		}
	}
}

func (m *Machine) currentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// transition applies fn to the current update if epoch is current. fn returns the next update
// and whether to apply it.
func (m *Machine) transition(epoch uint64, fn func(cur Update) (Update, bool)) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return false
	}
	next, ok := fn(m.current)
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.current = next
	close(m.changed)
	m.changed = make(chan struct{})
	listeners := make([]func(Update), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()
	logger.Debug().Str("status", next.Status.String()).Str("msg", next.Message).Msg("sync status")
	for _, fn := range listeners {
		fn(next)
	}
	return true
}

// advance moves forward to status. Backwards moves and moves out of a terminal status are
// ignored.
func (m *Machine) advance(epoch uint64, status Status, msg string) bool {
	return m.transition(epoch, func(cur Update) (Update, bool) {
		if cur.Status.Terminal() || status <= cur.Status || status == StatusError {
			return cur, false
		}
		return Update{Status: status, Message: msg}, true
	})
}

// fail moves to StatusError from any non-terminal status.
func (m *Machine) fail(epoch uint64, err error, msg string) bool {
	return m.transition(epoch, func(cur Update) (Update, bool) {
		if cur.Status.Terminal() {
			return cur, false
		}
		return Update{Status: StatusError, Message: msg, Err: err}, true
	})
}

// failFrom moves to StatusError only if the machine is still in status from.
func (m *Machine) failFrom(epoch uint64, from Status, err error, msg string) bool {
	return m.transition(epoch, func(cur Update) (Update, bool) {
		if cur.Status != from {
			return cur, false
		}
		return Update{Status: StatusError, Message: msg, Err: err}, true
	})
}

// reset starts a new epoch at StatusIdle and returns it. Listeners are only told if the
// status actually changed.
func (m *Machine) reset() uint64 {
	m.notifyMu.Lock()
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	wasIdle := m.current.Status == StatusIdle && m.current.Err == nil
	m.mu.Unlock()
	m.notifyMu.Unlock()
	if !wasIdle {
		m.transition(epoch, func(cur Update) (Update, bool) {
			return Update{Status: StatusIdle}, true
		})
	}
	return epoch
}
