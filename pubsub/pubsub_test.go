package pubsub

import (
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/signage-sync/wire"
)

func env(typ, channel string) Payload {
	return &EnvelopePayload{Envelope: &wire.Envelope{Type: typ, Channel: channel}}
}

func TestPubSubDeliversInOrder(t *testing.T) {
	ps := NewPubSub(10)
	defer ps.Close()
	ps.Open("a")
	for i, ch := range []string{"1", "2", "3"} {
		if err := ps.Notify("a", env(wire.TypeData, ch)); err != nil {
			t.Fatalf("Notify %d: %s", i, err)
		}
	}
	var got []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ps.Listen("a", func(p Payload) {
			got = append(got, p.(*EnvelopePayload).Envelope.Channel)
			if len(got) == 3 {
				ps.Unlisten("a")
			}
		})
	}()
	wg.Wait()
	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("got %v want [1 2 3]", got)
	}
}

func TestPubSubNotifyUnknownChan(t *testing.T) {
	ps := NewPubSub(1)
	defer ps.Close()
	if err := ps.Notify("nobody", env(wire.TypeOpen, "")); err != ErrUnknownChan {
		t.Fatalf("got %v want ErrUnknownChan", err)
	}
	ps.Open("gone")
	ps.Unlisten("gone")
	if err := ps.Notify("gone", env(wire.TypeOpen, "")); err != ErrUnknownChan {
		t.Fatalf("got %v want ErrUnknownChan after Unlisten", err)
	}
}

func TestPubSubNotifyTimesOutWhenFull(t *testing.T) {
	ps := NewPubSub(1)
	ps.notifyTimeout = 50 * time.Millisecond
	defer ps.Close()
	ps.Open("a")
	if err := ps.Notify("a", env(wire.TypeData, "1")); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	start := time.Now()
	if err := ps.Notify("a", env(wire.TypeData, "2")); err == nil {
		t.Fatalf("expected Notify to time out on a full queue")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("Notify returned before the timeout")
	}
}

func TestPubSubUnlistenUnblocksNotify(t *testing.T) {
	ps := NewPubSub(1)
	defer ps.Close()
	ps.Open("a")
	ps.Notify("a", env(wire.TypeData, "1"))
	errCh := make(chan error, 1)
	go func() {
		errCh <- ps.Notify("a", env(wire.TypeData, "2"))
	}()
	time.Sleep(20 * time.Millisecond)
	ps.Unlisten("a")
	select {
	case err := <-errCh:
		if err != ErrUnknownChan {
			t.Fatalf("got %v want ErrUnknownChan", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Notify still blocked after Unlisten")
	}
}

func TestPubSubCloseStopsListeners(t *testing.T) {
	ps := NewPubSub(1)
	done := make(chan struct{})
	go func() {
		ps.Listen("a", func(p Payload) {})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	ps.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Listen did not return after Close")
	}
	// closing twice is fine
	if err := ps.Close(); err != nil {
		t.Fatalf("second Close: %s", err)
	}
}
