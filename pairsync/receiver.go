package pairsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-org/signage-sync/pairing"
	"github.com/matrix-org/signage-sync/peer"
	"github.com/matrix-org/signage-sync/transfer"
)

// SnapshotConsumer applies the records a Receiver was sent. ApplySnapshot is called at most once
// per Connect, and never for a malformed payload.
type SnapshotConsumer interface {
	ApplySnapshot(ctx context.Context, snapshot transfer.Snapshot) error
}

var errStale = errors.New("pairsync: attempt was superseded")

// Receiver dials a sender's pairing code and applies the snapshot it sends.
type Receiver struct {
	*Machine
	cfg      Config
	consumer SnapshotConsumer

	mu            sync.Mutex
	session       *peer.Session
	ctx           context.Context
	cancel        context.CancelFunc
	cancelAttempt context.CancelFunc
}

func NewReceiver(cfg Config, consumer SnapshotConsumer) *Receiver {
	cfg.setDefaults()
	return &Receiver{
		Machine:  NewMachine(),
		cfg:      cfg,
		consumer: consumer,
	}
}

// Open connects to the relay, ready for Connect. The status stays idle. Any previous lifecycle
// is closed.
func (r *Receiver) Open(ctx context.Context) error {
	r.Close()
	epoch := r.currentEpoch()
	session, err := peer.Open(ctx, r.cfg.RelayURL)
	if err != nil {
		r.fail(epoch, err, "could not reach the relay")
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentEpoch() != epoch {
		session.Destroy()
		return ErrNotOpen
	}
	r.session = session
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return nil
}

// Connect starts dialing code. The code is checked first: an invalid code returns
// pairing.ErrInvalidCode without changing status or touching the relay. Progress is reported
// through the Machine. Connecting again after an error starts a fresh attempt.
func (r *Receiver) Connect(code string) error {
	code, err := pairing.NormaliseCode(code)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return ErrNotOpen
	}
	switch r.Current().Status {
	case StatusIdle, StatusError:
	default:
		return ErrBusy
	}
	if r.cancelAttempt != nil {
		r.cancelAttempt()
	}
	epoch := r.reset()
	var attemptCtx context.Context
	attemptCtx, r.cancelAttempt = context.WithCancel(r.ctx)
	r.advance(epoch, StatusConnecting, "connecting to "+code)
	go r.attempt(attemptCtx, epoch, r.session, code)
	return nil
}

// Close ends the lifecycle and resets to StatusIdle. Safe to call at any time.
func (r *Receiver) Close() {
	r.reset()
	r.mu.Lock()
	session, cancel := r.session, r.cancel
	r.session = nil
	r.cancel = nil
	r.cancelAttempt = nil
	r.mu.Unlock()
	if cancel != nil {
		// also cancels the attempt
		cancel()
	}
	if session != nil {
		session.Destroy()
	}
}

func (r *Receiver) attempt(ctx context.Context, epoch uint64, session *peer.Session, code string) {
	session, err := r.liveSession(ctx, epoch, session)
	if err != nil {
		r.fail(epoch, err, "could not reach the relay")
		return
	}
	negotiateCtx, cancelNegotiation := context.WithCancel(ctx)
	defer cancelNegotiation()
	timer := time.AfterFunc(r.cfg.ConnectTimeout, func() {
		err := &TimeoutError{After: r.cfg.ConnectTimeout, Phase: StatusConnecting}
		if r.failFrom(epoch, StatusConnecting, err, msgTimeout) {
			cancelNegotiation()
		}
	})
	defer timer.Stop()

	ch, err := session.Connect(negotiateCtx, code)
	if err != nil {
		r.fail(epoch, err, userMessage(err))
		return
	}
	defer ch.Close()
	select {
	case <-ch.Opened():
	case <-ch.Done():
		r.fail(epoch, ch.Err(), userMessage(ch.Err()))
		return
	}
	if !r.advance(epoch, StatusTransferring, "receiving") {
		return
	}
	timer.Stop()

	receiveCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	var count int
	err = transfer.Receive(receiveCtx, ch, func(snapshot transfer.Snapshot) error {
		if r.currentEpoch() != epoch {
			return errStale
		}
		count = len(snapshot)
		return r.consumer.ApplySnapshot(receiveCtx, snapshot)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{After: r.cfg.ConnectTimeout, Phase: StatusTransferring}
		}
		logger.Warn().Err(err).Str("code", code).Msg("transfer failed")
		r.fail(epoch, err, userMessage(err))
		return
	}
	r.advance(epoch, StatusSuccess, fmt.Sprintf("received %d records", count))
}

// liveSession returns session, or a new one if the relay connection has dropped since Open.
func (r *Receiver) liveSession(ctx context.Context, epoch uint64, session *peer.Session) (*peer.Session, error) {
	select {
	case <-session.Done():
	default:
		return session, nil
	}
	openCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	fresh, err := peer.Open(openCtx, r.cfg.RelayURL)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentEpoch() != epoch || r.session != session {
		fresh.Destroy()
		return nil, errStale
	}
	r.session = fresh
	return fresh, nil
}
