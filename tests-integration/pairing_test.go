package signagesync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/matrix-org/signage-sync/pairing"
	"github.com/matrix-org/signage-sync/pairsync"
	"github.com/matrix-org/signage-sync/peer"
	"github.com/matrix-org/signage-sync/relay"
	"github.com/matrix-org/signage-sync/state"
	"github.com/matrix-org/signage-sync/testutils/m"
	"github.com/matrix-org/signage-sync/transfer"
	"golang.org/x/exp/maps"
)

// Tests that a receiver typing the code in lower case ends up with exactly the sender's signage.
func TestPairingCopiesSignage(t *testing.T) {
	r := runTestRelay(t, relay.Config{})
	src := newDevice(t, "copy_src", "Alice", "Bob")
	src.add(t, state.Signage{
		GuestName:       "Carol",
		WelcomeLabel:    "Bienvenue",
		SubText:         "Suite 4",
		BackgroundImage: background("content://media/42"),
		Layout:          state.LayoutPortrait,
	})
	dst := newDevice(t, "copy_dst", "Mallory")

	cfg := pairsync.Config{RelayURL: r.url, SuccessDelay: 100 * time.Millisecond}
	sender := newSender(t, cfg, src)
	senderLog := watch(t, sender.Machine)
	code := openSender(t, sender)
	receiver := startReceiver(t, cfg, dst)
	receiverLog := watch(t, receiver.Machine)

	if err := receiver.Connect(strings.ToLower(code)); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	m.MatchUpdate(t, waitTerminal(t, receiver.Machine),
		m.MatchStatus(pairsync.StatusSuccess),
		m.MatchMessageContains("received 3"),
	)
	m.MatchUpdate(t, waitTerminal(t, sender.Machine), m.MatchStatus(pairsync.StatusSuccess))

	if err := m.MatchStatusSequence(receiverLog.statuses(), pairsync.StatusConnecting, pairsync.StatusTransferring, pairsync.StatusSuccess); err != nil {
		t.Errorf("receiver: %s", err)
	}
	if err := m.MatchStatusSequence(senderLog.statuses(), pairsync.StatusConnecting, pairsync.StatusTransferring, pairsync.StatusSuccess); err != nil {
		t.Errorf("sender: %s", err)
	}

	want := src.guests(t)
	got := dst.guests(t)
	if !maps.Equal(got, want) {
		t.Fatalf("receiver has %v want %v", got, want)
	}
	srcSnap, err := src.store.GetSnapshot(context.Background())
	if err != nil {
		t.Fatalf("GetSnapshot: %s", err)
	}
	dstSnap, err := dst.store.GetSnapshot(context.Background())
	if err != nil {
		t.Fatalf("GetSnapshot: %s", err)
	}
	if err := m.EqualAnyOrder(dstSnap, srcSnap); err != nil {
		t.Fatalf("snapshots differ: %s", err)
	}
	// newest first
	m.MatchRecords(t, dstSnap,
		[]m.RecordMatcher{m.MatchGuestName("Carol"), m.MatchLayout(state.LayoutPortrait), m.MatchField("background_image", "content://media/42")},
		[]m.RecordMatcher{m.MatchGuestName("Bob"), m.MatchNoBackground(), m.MatchActive(true)},
		[]m.RecordMatcher{m.MatchGuestName("Alice"), m.MatchLayout(state.LayoutLandscape)},
	)
}

func TestPairingCBORWithAck(t *testing.T) {
	r := runTestRelay(t, relay.Config{})
	src := newDevice(t, "cbor_src", "Dave", "Erin")
	dst := newDevice(t, "cbor_dst")

	sender, code := startSender(t, pairsync.Config{RelayURL: r.url, Codec: transfer.CodecCBOR, RequireAck: true}, src)
	receiver := startReceiver(t, pairsync.Config{RelayURL: r.url}, dst)
	if err := receiver.Connect(code); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	m.MatchUpdate(t, waitTerminal(t, sender.Machine), m.MatchStatus(pairsync.StatusSuccess), m.MatchMessageContains("sent 2"))
	m.MatchUpdate(t, waitTerminal(t, receiver.Machine), m.MatchStatus(pairsync.StatusSuccess))
	if got, want := dst.guests(t), src.guests(t); !maps.Equal(got, want) {
		t.Fatalf("receiver has %v want %v", got, want)
	}
}

// Tests that dialing a code nobody registered fails within the timeout and leaves the store alone.
func TestPairingUnknownCode(t *testing.T) {
	r := runTestRelay(t, relay.Config{})
	dst := newDevice(t, "unknown_dst", "Frank")
	before := dst.guests(t)

	receiver := startReceiver(t, pairsync.Config{RelayURL: r.url, ConnectTimeout: 2 * time.Second}, dst)
	log := watch(t, receiver.Machine)
	start := time.Now()
	if err := receiver.Connect("ZZZZZ"); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	m.MatchUpdate(t, waitTerminal(t, receiver.Machine),
		m.MatchStatus(pairsync.StatusError),
		m.MatchMessageContains("sender not found"),
		m.MatchErrorAs(func(err error) bool {
			var rerr *peer.RelayError
			return errors.As(err, &rerr) && rerr.Code == "UNKNOWN_IDENTIFIER"
		}, "UNKNOWN_IDENTIFIER relay error"),
	)
	if took := time.Since(start); took > 3*time.Second {
		t.Errorf("took %v to fail", took)
	}
	for _, s := range log.statuses() {
		if s == pairsync.StatusTransferring || s == pairsync.StatusSuccess {
			t.Fatalf("unexpected status %s in %v", s, log.statuses())
		}
	}
	if got := dst.guests(t); !maps.Equal(got, before) {
		t.Fatalf("store changed: %v want %v", got, before)
	}
}

func TestPairingShortCodeDoesNotDial(t *testing.T) {
	r := runTestRelay(t, relay.Config{})
	receiver := startReceiver(t, pairsync.Config{RelayURL: r.url}, newDevice(t, "short_dst"))
	err := receiver.Connect("K7QX")
	if !errors.Is(err, pairing.ErrInvalidCode) {
		t.Fatalf("Connect: got %v want ErrInvalidCode", err)
	}
	m.MatchUpdate(t, receiver.Current(), m.MatchStatus(pairsync.StatusIdle))
	if stats := r.h.Stats(); stats.PendingOpens != 0 || stats.OpenChannels != 0 {
		t.Fatalf("relay saw a dial: %+v", stats)
	}
}

// Tests that a sender sending something other than a record list can't clobber the receiver.
func TestPairingMalformedPayload(t *testing.T) {
	r := runTestRelay(t, relay.Config{})
	rogue, err := peer.Bind(context.Background(), r.url, pairing.DeriveIdentifier("MALFX"))
	if err != nil {
		t.Fatalf("Bind: %s", err)
	}
	t.Cleanup(rogue.Destroy)
	go func() {
		ch := <-rogue.Incoming()
		<-ch.Opened()
		ch.Send([]byte(`{"type":"snapshot","records":"everything"}`))
	}()

	dst := newDevice(t, "malformed_dst", "Grace", "Heidi")
	before := dst.guests(t)
	receiver := startReceiver(t, pairsync.Config{RelayURL: r.url}, dst)
	if err := receiver.Connect("malfx"); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	m.MatchUpdate(t, waitTerminal(t, receiver.Machine),
		m.MatchStatus(pairsync.StatusError),
		m.MatchMessageContains("not a valid snapshot"),
		m.MatchErrorAs(func(err error) bool {
			var merr *transfer.MalformedPayloadError
			return errors.As(err, &merr)
		}, "MalformedPayloadError"),
	)
	if got := dst.guests(t); !maps.Equal(got, before) {
		t.Fatalf("store changed: %v want %v", got, before)
	}
}

// Tests that a receiver can try again after a failed attempt and that closing returns to idle.
func TestPairingRetryThenClose(t *testing.T) {
	r := runTestRelay(t, relay.Config{})
	src := newDevice(t, "retry_src", "Ivan")
	dst := newDevice(t, "retry_dst")
	cfg := pairsync.Config{RelayURL: r.url, ConnectTimeout: 2 * time.Second, SuccessDelay: 50 * time.Millisecond}

	receiver := startReceiver(t, cfg, dst)
	if err := receiver.Connect("ZZZZZ"); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	m.MatchUpdate(t, waitTerminal(t, receiver.Machine), m.MatchStatus(pairsync.StatusError))

	sender, code := startSender(t, cfg, src)
	if err := receiver.Connect(code); err != nil {
		t.Fatalf("Connect again: %s", err)
	}
	m.MatchUpdate(t, waitTerminal(t, receiver.Machine), m.MatchStatus(pairsync.StatusSuccess))
	m.MatchUpdate(t, waitTerminal(t, sender.Machine), m.MatchStatus(pairsync.StatusSuccess))

	receiver.Close()
	sender.Close()
	m.MatchUpdate(t, receiver.Current(), m.MatchStatus(pairsync.StatusIdle))
	m.MatchUpdate(t, sender.Current(), m.MatchStatus(pairsync.StatusIdle))
	r.waitRelayIdle(t)
	if got := dst.guests(t); len(got) != 1 {
		t.Fatalf("receiver has %v", got)
	}
}
