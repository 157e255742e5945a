package signagesync

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	signagesync "github.com/matrix-org/signage-sync"
	"github.com/matrix-org/signage-sync/pairsync"
	"github.com/matrix-org/signage-sync/relay"
	"github.com/matrix-org/signage-sync/state"
	"github.com/matrix-org/signage-sync/testutils"
)

type testRelay struct {
	url string
	h   *relay.Handler
}

// runTestRelay serves a relay through the same middleware the binary uses.
func runTestRelay(t *testing.T, cfg relay.Config) *testRelay {
	t.Helper()
	h := relay.NewHandler(cfg)
	srv := httptest.NewServer(signagesync.NewRelayServer(h))
	t.Cleanup(func() {
		h.Teardown()
		srv.Close()
	})
	return &testRelay{url: srv.URL, h: h}
}

// device is one end of a pairing with its own signage store.
type device struct {
	store *state.Storage
}

func newDevice(t *testing.T, name string, guests ...string) *device {
	t.Helper()
	driver, dsn := testutils.PrepareDBConnectionString("signage_integration_" + name)
	store, err := state.Open(driver, dsn)
	if err != nil {
		t.Fatalf("state.Open: %s", err)
	}
	t.Cleanup(store.Teardown)
	rows, err := store.Signages(context.Background())
	if err != nil {
		t.Fatalf("Signages: %s", err)
	}
	for _, row := range rows {
		store.Remove(context.Background(), row.ID)
	}
	d := &device{store: store}
	// later guests are newer, and all are older than anything added afterwards with the default time
	for i, guest := range guests {
		created := time.Now().Add(time.Duration(i-len(guests)) * time.Minute)
		d.add(t, state.Signage{
			GuestName:    guest,
			WelcomeLabel: "Welcome",
			IsActive:     true,
			CreatedAt:    created.UTC().Format(time.RFC3339),
		})
	}
	return d
}

func (d *device) add(t *testing.T, row state.Signage) state.Signage {
	t.Helper()
	row, err := d.store.Add(context.Background(), row)
	if err != nil {
		t.Fatalf("Add: %s", err)
	}
	return row
}

func (d *device) signages(t *testing.T) []state.Signage {
	t.Helper()
	rows, err := d.store.Signages(context.Background())
	if err != nil {
		t.Fatalf("Signages: %s", err)
	}
	return rows
}

func (d *device) guests(t *testing.T) map[string]string {
	t.Helper()
	guests := make(map[string]string)
	for _, row := range d.signages(t) {
		guests[row.ID] = row.GuestName
	}
	return guests
}

// statusLog records every status a machine passes through.
type statusLog struct {
	mu   sync.Mutex
	seen []pairsync.Status
}

func watch(t *testing.T, m *pairsync.Machine) *statusLog {
	l := &statusLog{}
	t.Cleanup(m.Subscribe(func(u pairsync.Update) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.seen = append(l.seen, u.Status)
	}))
	return l
}

func (l *statusLog) statuses() []pairsync.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pairsync.Status(nil), l.seen...)
}

func newSender(t *testing.T, cfg pairsync.Config, d *device) *pairsync.Sender {
	t.Helper()
	sender := pairsync.NewSender(cfg, d.store)
	t.Cleanup(sender.Close)
	return sender
}

func openSender(t *testing.T, sender *pairsync.Sender) string {
	t.Helper()
	code, err := sender.Open(context.Background())
	if err != nil {
		t.Fatalf("sender Open: %s", err)
	}
	return code
}

func startSender(t *testing.T, cfg pairsync.Config, d *device) (*pairsync.Sender, string) {
	t.Helper()
	sender := newSender(t, cfg, d)
	return sender, openSender(t, sender)
}

func startReceiver(t *testing.T, cfg pairsync.Config, d *device) *pairsync.Receiver {
	t.Helper()
	receiver := pairsync.NewReceiver(cfg, d.store)
	t.Cleanup(receiver.Close)
	if err := receiver.Open(context.Background()); err != nil {
		t.Fatalf("receiver Open: %s", err)
	}
	return receiver
}

// waitRelayIdle waits for the relay to drop every binding, offer and channel.
func (r *testRelay) waitRelayIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		stats := r.h.Stats()
		if stats == (relay.RegistryStats{}) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay still holds %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitTerminal(t *testing.T, m *pairsync.Machine) pairsync.Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	u, err := m.Wait(ctx)
	if err != nil {
		t.Fatalf("still %s after 15s", u.Status)
	}
	return u
}

func background(url string) sql.NullString {
	return sql.NullString{String: url, Valid: true}
}
