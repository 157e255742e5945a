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

// SnapshotProvider supplies the records a Sender broadcasts.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context) (transfer.Snapshot, error)
}

// Sender broadcasts a snapshot to the first receiver which dials its pairing code.
type Sender struct {
	*Machine
	cfg      Config
	provider SnapshotProvider
	newCode  func() string

	mu      sync.Mutex
	session *peer.Session
	code    string
	cancel  context.CancelFunc
}

func NewSender(cfg Config, provider SnapshotProvider) *Sender {
	cfg.setDefaults()
	return &Sender{
		Machine:  NewMachine(),
		cfg:      cfg,
		provider: provider,
		newCode:  pairing.GenerateCode,
	}
}

// Open starts a new lifecycle: a fresh code is generated and registered with the relay. Returns
// the code to show to the operator once it is registered. Any previous lifecycle is closed.
func (s *Sender) Open(ctx context.Context) (string, error) {
	s.Close()
	epoch := s.currentEpoch()
	code := s.newCode()
	identifier := pairing.DeriveIdentifier(code)
	s.advance(epoch, StatusConnecting, "registering "+code)

	bindCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	session, err := peer.Bind(bindCtx, s.cfg.RelayURL, identifier)
	if err != nil {
		logger.Warn().Err(err).Str("code", code).Msg("failed to register")
		s.fail(epoch, err, userMessage(err))
		return "", err
	}
	s.mu.Lock()
	if s.currentEpoch() != epoch {
		// closed whilst registering
		s.mu.Unlock()
		session.Destroy()
		return "", ErrNotOpen
	}
	lifecycle, stop := context.WithCancel(context.Background())
	s.session = session
	s.code = code
	s.cancel = stop
	s.mu.Unlock()

	s.transition(epoch, func(cur Update) (Update, bool) {
		if cur.Status != StatusConnecting {
			return cur, false
		}
		return Update{Status: StatusConnecting, Message: "waiting for a display to enter " + code}, true
	})
	go s.serve(lifecycle, epoch, session)
	return code, nil
}

// Code returns the pairing code of the current lifecycle, or "".
func (s *Sender) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Close ends the lifecycle and resets to StatusIdle. Safe to call at any time.
func (s *Sender) Close() {
	s.reset()
	s.mu.Lock()
	session, cancel := s.session, s.cancel
	s.session = nil
	s.cancel = nil
	s.code = ""
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.Destroy()
	}
}

func (s *Sender) serve(ctx context.Context, epoch uint64, session *peer.Session) {
	handled := false
	for {
		select {
		case ch := <-session.Incoming():
			if handled {
				logger.Info().Str("channel", ch.ID()).Msg("already transferring, closing extra channel")
				ch.Close()
				continue
			}
			handled = true
			go s.send(ctx, epoch, ch)
		case <-session.Done():
			if err := session.Err(); err != nil && !errors.Is(err, peer.ErrSessionClosed) {
				s.fail(epoch, err, userMessage(err))
			} else {
				s.fail(epoch, err, "lost connection to the relay")
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) send(ctx context.Context, epoch uint64, ch *peer.Channel) {
	// the channel carries one snapshot, so it is finished with whatever the outcome
	defer ch.Close()
	if !s.advance(epoch, StatusTransferring, "sending") {
		return
	}
	snapshot, err := s.provider.GetSnapshot(ctx)
	if err != nil {
		s.fail(epoch, err, "failed to load records: "+err.Error())
		return
	}
	if err = transfer.Send(ctx, ch, s.cfg.Codec, snapshot); err != nil {
		s.fail(epoch, err, userMessage(err))
		return
	}
	if s.cfg.RequireAck {
		ackCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		count, err := transfer.AwaitAck(ackCtx, ch)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = &TimeoutError{After: s.cfg.ConnectTimeout, Phase: StatusTransferring}
			}
			s.fail(epoch, err, userMessage(err))
			return
		}
		if count != len(snapshot) {
			logger.Warn().Int("sent", len(snapshot)).Int("acked", count).Msg("receiver applied a different number of records")
		}
	} else {
		// no confirmation from the receiver: assume delivery after a short delay
		select {
		case <-time.After(s.cfg.SuccessDelay):
		case <-ctx.Done():
			return
		}
	}
	s.advance(epoch, StatusSuccess, fmt.Sprintf("sent %d records", len(snapshot)))
}
