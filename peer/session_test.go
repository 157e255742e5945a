package peer

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matrix-org/signage-sync/pairing"
	"github.com/matrix-org/signage-sync/relay"
	"github.com/matrix-org/signage-sync/testutils"
	"github.com/matrix-org/signage-sync/wire"
)

func runRelay(t *testing.T, cfg relay.Config) string {
	t.Helper()
	url, _ := testutils.NewRelayServer(t, cfg)
	return url
}

func mustOpen(t *testing.T, relayURL string) *Session {
	t.Helper()
	s, err := Open(context.Background(), relayURL)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(s.Destroy)
	return s
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRelayEndpoint(t *testing.T) {
	testCases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:8008", want: "ws://localhost:8008/v1/relay"},
		{in: "https://relay.example.com/", want: "wss://relay.example.com/v1/relay"},
		{in: "ws://localhost:8008/custom", want: "ws://localhost:8008/custom"},
		{in: "wss://relay.example.com", want: "wss://relay.example.com/v1/relay"},
		{in: "ftp://relay.example.com", wantErr: true},
		{in: "::", wantErr: true},
	}
	for _, tc := range testCases {
		got, err := RelayEndpoint(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("RelayEndpoint(%q) returned %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("RelayEndpoint(%q) returned error %s", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("RelayEndpoint(%q) got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestBindAndConnect(t *testing.T) {
	relayURL := runRelay(t, relay.Config{})
	sender, err := Bind(context.Background(), relayURL, pairing.DeriveIdentifier("K7QX2"))
	if err != nil {
		t.Fatalf("Bind: %s", err)
	}
	t.Cleanup(sender.Destroy)
	if got := sender.Identifier(); got != "signage-K7QX2" {
		t.Fatalf("Identifier got %q", got)
	}

	receiver := mustOpen(t, relayURL)
	out, err := receiver.Connect(context.Background(), "k7qx2")
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	waitFor(t, out.Opened(), "receiver channel to open")

	var in *Channel
	select {
	case in = <-sender.Incoming():
	case <-time.After(5 * time.Second):
		t.Fatalf("sender never saw the channel")
	}
	if in.ID() != out.ID() || in.Remote() != "signage-K7QX2" {
		t.Fatalf("sender channel %s/%s receiver channel %s", in.ID(), in.Remote(), out.ID())
	}
	waitFor(t, in.Opened(), "sender channel to open")

	if err := in.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %s", err)
	}
	select {
	case got := <-out.Messages():
		if string(got) != "hello" {
			t.Fatalf("got %q", string(got))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no message")
	}

	in.Close()
	waitFor(t, out.Done(), "receiver channel to close")
	if !errors.Is(out.Err(), ErrChannelClosed) {
		t.Fatalf("closed with %v", out.Err())
	}
	if err := out.Send([]byte("late")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Send after close got %v", err)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("second Close returned %s", err)
	}
}

func TestMessagesReadableAfterClose(t *testing.T) {
	relayURL := runRelay(t, relay.Config{})
	sender, err := Bind(context.Background(), relayURL, "signage-ABCDE")
	if err != nil {
		t.Fatalf("Bind: %s", err)
	}
	t.Cleanup(sender.Destroy)
	receiver := mustOpen(t, relayURL)
	out, err := receiver.Connect(context.Background(), "ABCDE")
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	in := <-sender.Incoming()
	waitFor(t, in.Opened(), "sender channel to open")
	in.Send([]byte("one"))
	in.Send([]byte("two"))
	in.Close()
	waitFor(t, out.Done(), "receiver channel to close")
	for _, want := range []string{"one", "two"} {
		select {
		case got := <-out.Messages():
			if string(got) != want {
				t.Fatalf("got %q want %q", string(got), want)
			}
		default:
			t.Fatalf("message %q lost", want)
		}
	}
}

func TestBindErrors(t *testing.T) {
	relayURL := runRelay(t, relay.Config{})
	first, err := Bind(context.Background(), relayURL, "signage-ABCDE")
	if err != nil {
		t.Fatalf("Bind: %s", err)
	}
	t.Cleanup(first.Destroy)

	_, err = Bind(context.Background(), relayURL, "signage-ABCDE")
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("got %v want RegistrationError", err)
	}
	if code := RelayErrCode(err); code != wire.ErrCodeIdentifierTaken {
		t.Fatalf("got code %q", code)
	}

	err = first.Bind(context.Background(), "signage-FGHJK")
	if !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second bind got %v", err)
	}

	// relay rejects it even when the client doesn't know better
	other := mustOpen(t, relayURL)
	err = other.Bind(context.Background(), "signage-1")
	if code := RelayErrCode(err); code != wire.ErrCodeInvalidIdentifier {
		t.Fatalf("got %v", err)
	}
	if other.Identifier() != "" {
		t.Fatalf("failed bind set identifier %q", other.Identifier())
	}
}

func TestBindUnreachableRelay(t *testing.T) {
	srv := httptest.NewServer(relay.NewHandler(relay.Config{}))
	relayURL := srv.URL
	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Bind(ctx, relayURL, "signage-ABCDE")
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("got %v want RegistrationError", err)
	}
}

func TestConnectInvalidCode(t *testing.T) {
	relayURL := runRelay(t, relay.Config{})
	s := mustOpen(t, relayURL)
	for _, code := range []string{"K7QX", "K7QX22", "O0I1L", ""} {
		ch, err := s.Connect(context.Background(), code)
		if err != pairing.ErrInvalidCode {
			t.Errorf("Connect(%q) got %v", code, err)
		}
		if ch != nil {
			t.Errorf("Connect(%q) returned a channel", code)
		}
	}
}

func TestConnectUnknownIdentifier(t *testing.T) {
	relayURL := runRelay(t, relay.Config{})
	s := mustOpen(t, relayURL)
	ch, err := s.Connect(context.Background(), "ZZZZZ")
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	waitFor(t, ch.Done(), "channel to fail")
	var negErr *NegotiationError
	if !errors.As(ch.Err(), &negErr) {
		t.Fatalf("got %v want NegotiationError", ch.Err())
	}
	if negErr.Identifier != "signage-ZZZZZ" {
		t.Fatalf("identifier %s", negErr.Identifier)
	}
	if code := RelayErrCode(ch.Err()); code != wire.ErrCodeUnknownIdentifier {
		t.Fatalf("code %q", code)
	}
	select {
	case <-ch.Opened():
		t.Fatalf("failed channel opened")
	default:
	}
}

// rawRegistrant registers identifier with a bare websocket and never accepts anything.
func rawRegistrant(t *testing.T, relayURL, identifier string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(relayURL, "http")+RelayPath, nil)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.WriteJSON(wire.Envelope{Type: wire.TypeRegister, ID: identifier})
	if env := readEnvelope(t, conn); env.Type != wire.TypeRegistered {
		t.Fatalf("register got %s", env.String())
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %s", err)
	}
	return env
}

func TestConnectCancelledBeforeOpen(t *testing.T) {
	relayURL := runRelay(t, relay.Config{})
	registrant := rawRegistrant(t, relayURL, "signage-ABCDE")
	s := mustOpen(t, relayURL)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	ch, err := s.Connect(ctx, "ABCDE")
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	if ch.State() != ChannelOpening {
		t.Fatalf("new channel is %s", ch.State())
	}
	if err := ch.Send([]byte("too early")); err != ErrChannelNotOpen {
		t.Fatalf("Send before open got %v", err)
	}
	incoming := readEnvelope(t, registrant)
	if incoming.Type != wire.TypeIncoming || incoming.Channel != ch.ID() {
		t.Fatalf("got %s", incoming.String())
	}
	waitFor(t, ch.Done(), "channel to give up")
	if !errors.Is(ch.Err(), context.DeadlineExceeded) {
		t.Fatalf("got %v", ch.Err())
	}
	var negErr *NegotiationError
	if !errors.As(ch.Err(), &negErr) {
		t.Fatalf("got %v want NegotiationError", ch.Err())
	}
	// the relay was told to drop it, so a late accept goes nowhere
	if env := readEnvelope(t, registrant); env.Type != wire.TypeClosed || env.Channel != ch.ID() {
		t.Fatalf("got %s", env.String())
	}
	registrant.WriteJSON(wire.Envelope{Type: wire.TypeAccept, Channel: ch.ID()})
	if env := readEnvelope(t, registrant); env.ErrCode != wire.ErrCodeUnknownChannel {
		t.Fatalf("late accept got %s", env.String())
	}
}

func TestOfferExpiredFailsChannel(t *testing.T) {
	relayURL := runRelay(t, relay.Config{OfferTTL: 100 * time.Millisecond})
	rawRegistrant(t, relayURL, "signage-ABCDE")
	s := mustOpen(t, relayURL)
	ch, err := s.Connect(context.Background(), "ABCDE")
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	waitFor(t, ch.Done(), "offer to expire")
	if code := RelayErrCode(ch.Err()); code != wire.ErrCodeOfferExpired {
		t.Fatalf("got %v", ch.Err())
	}
}

func TestDestroy(t *testing.T) {
	relayURL := runRelay(t, relay.Config{})
	sender, err := Bind(context.Background(), relayURL, "signage-ABCDE")
	if err != nil {
		t.Fatalf("Bind: %s", err)
	}
	receiver := mustOpen(t, relayURL)
	out, err := receiver.Connect(context.Background(), "ABCDE")
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	waitFor(t, out.Opened(), "channel to open")
	in := <-sender.Incoming()

	sender.Destroy()
	sender.Destroy()
	waitFor(t, sender.Done(), "session to end")
	if !errors.Is(sender.Err(), ErrSessionClosed) {
		t.Fatalf("session err %v", sender.Err())
	}
	if !errors.Is(in.Err(), ErrSessionClosed) {
		t.Fatalf("channel err %v", in.Err())
	}
	if sender.Identifier() != "" {
		t.Fatalf("destroyed session still holds %s", sender.Identifier())
	}
	// the relay tells the other end
	waitFor(t, out.Done(), "remote channel to close")
	if _, err := sender.Connect(context.Background(), "FGHJK"); err == nil {
		t.Fatalf("Connect on a destroyed session succeeded")
	}
}

func TestBindingExpiryEndsSession(t *testing.T) {
	relayURL := runRelay(t, relay.Config{BindingTTL: 100 * time.Millisecond})
	sender, err := Bind(context.Background(), relayURL, "signage-ABCDE")
	if err != nil {
		t.Fatalf("Bind: %s", err)
	}
	t.Cleanup(sender.Destroy)
	waitFor(t, sender.Done(), "session to end")
	var regErr *RegistrationError
	if !errors.As(sender.Err(), &regErr) {
		t.Fatalf("got %v want RegistrationError", sender.Err())
	}
	if code := RelayErrCode(sender.Err()); code != wire.ErrCodeBindingExpired {
		t.Fatalf("got code %q", code)
	}
}
