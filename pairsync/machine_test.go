package pairsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func assertStatus(t *testing.T, m *Machine, want Status) {
	t.Helper()
	if got := m.Current().Status; got != want {
		t.Fatalf("status is %s want %s", got, want)
	}
}

func TestMachineForwardOnly(t *testing.T) {
	m := NewMachine()
	epoch := m.reset()
	assertStatus(t, m, StatusIdle)
	if !m.advance(epoch, StatusConnecting, "") {
		t.Fatalf("idle -> connecting rejected")
	}
	if m.advance(epoch, StatusConnecting, "") {
		t.Fatalf("connecting -> connecting accepted")
	}
	if m.advance(epoch, StatusIdle, "") {
		t.Fatalf("connecting -> idle accepted")
	}
	if !m.advance(epoch, StatusTransferring, "") {
		t.Fatalf("connecting -> transferring rejected")
	}
	if m.advance(epoch, StatusConnecting, "") {
		t.Fatalf("transferring -> connecting accepted")
	}
	if !m.advance(epoch, StatusSuccess, "done") {
		t.Fatalf("transferring -> success rejected")
	}
	if m.fail(epoch, errors.New("late"), "late") {
		t.Fatalf("success -> error accepted")
	}
	assertStatus(t, m, StatusSuccess)
	if m.Current().Message != "done" {
		t.Fatalf("message %q", m.Current().Message)
	}
}

func TestMachineFail(t *testing.T) {
	for _, from := range []Status{StatusIdle, StatusConnecting, StatusTransferring} {
		m := NewMachine()
		epoch := m.reset()
		if from != StatusIdle {
			m.advance(epoch, from, "")
		}
		boom := errors.New("boom")
		if !m.fail(epoch, boom, "it broke") {
			t.Fatalf("%s -> error rejected", from)
		}
		cur := m.Current()
		if cur.Status != StatusError || cur.Err != boom || cur.Message != "it broke" {
			t.Fatalf("got %+v", cur)
		}
		if m.advance(epoch, StatusSuccess, "") {
			t.Fatalf("error -> success accepted")
		}
		if m.fail(epoch, errors.New("again"), "again") {
			t.Fatalf("error -> error accepted")
		}
	}
}

func TestMachineFailFrom(t *testing.T) {
	m := NewMachine()
	epoch := m.reset()
	m.advance(epoch, StatusConnecting, "")
	m.advance(epoch, StatusTransferring, "")
	if m.failFrom(epoch, StatusConnecting, errors.New("timeout"), "") {
		t.Fatalf("failFrom(connecting) fired while transferring")
	}
	if !m.failFrom(epoch, StatusTransferring, errors.New("timeout"), "") {
		t.Fatalf("failFrom(transferring) rejected")
	}
}

func TestMachineResetDropsStaleEpochs(t *testing.T) {
	m := NewMachine()
	old := m.reset()
	m.advance(old, StatusConnecting, "")
	fresh := m.reset()
	assertStatus(t, m, StatusIdle)
	if m.advance(old, StatusTransferring, "") || m.fail(old, errors.New("x"), "") {
		t.Fatalf("stale epoch transitioned")
	}
	assertStatus(t, m, StatusIdle)
	if !m.advance(fresh, StatusConnecting, "") {
		t.Fatalf("fresh epoch rejected")
	}
}

func TestMachineSubscribeInOrder(t *testing.T) {
	m := NewMachine()
	var mu sync.Mutex
	var got []Status
	unsubscribe := m.Subscribe(func(u Update) {
		mu.Lock()
		got = append(got, u.Status)
		mu.Unlock()
	})
	epoch := m.reset()
	m.advance(epoch, StatusConnecting, "")
	m.advance(epoch, StatusTransferring, "")
	m.fail(epoch, errors.New("x"), "")
	m.reset()
	unsubscribe()
	m.advance(m.currentEpoch(), StatusConnecting, "")

	want := []Status{StatusConnecting, StatusTransferring, StatusError, StatusIdle}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestMachineWait(t *testing.T) {
	m := NewMachine()
	epoch := m.reset()
	go func() {
		m.advance(epoch, StatusConnecting, "")
		time.Sleep(10 * time.Millisecond)
		m.advance(epoch, StatusSuccess, "ok")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u, err := m.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %s", err)
	}
	if u.Status != StatusSuccess {
		t.Fatalf("Wait returned %s", u.Status)
	}

	m.reset()
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err = m.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait on idle got %v", err)
	}
}
