package handoff

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convopilot/convopilot/internal/events"
	"github.com/convopilot/convopilot/internal/keys"
	"github.com/convopilot/convopilot/internal/observability"
)

func testKey() keys.ConversationKey {
	return keys.SessionKey{TenantID: "1", SessionName: "main"}.Conversation("chat@s.whatsapp.net")
}

func testMachine(window time.Duration) (*Machine, *events.Bus) {
	bus := events.NewBus()
	m := NewMachine(window, bus, observability.NewMetrics(), slog.New(slog.DiscardHandler))
	return m, bus
}

func TestClaimAndExpire(t *testing.T) {
	m, _ := testMachine(50 * time.Millisecond)
	var released atomic.Int32
	m.OnAutoRelease(func(keys.ConversationKey) { released.Add(1) })

	key := testKey()
	if !m.Claim(key) {
		t.Fatal("first claim should report created")
	}
	if m.Claim(key) {
		t.Error("second claim should not report created")
	}
	if !m.Claimed(key) {
		t.Fatal("conversation should be claimed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Claimed(key) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.Claimed(key) {
		t.Fatal("claim did not expire")
	}
	if released.Load() != 1 {
		t.Errorf("auto-release hook fired %d times, want 1", released.Load())
	}
}

func TestActivitySlidesExpiry(t *testing.T) {
	m, _ := testMachine(80 * time.Millisecond)
	key := testKey()
	m.Claim(key)

	// Refresh at half the window; the original deadline must not release.
	time.Sleep(40 * time.Millisecond)
	if !m.NoteActivity(key) {
		t.Fatal("activity on a claimed conversation should report true")
	}
	time.Sleep(60 * time.Millisecond)
	if !m.Claimed(key) {
		t.Fatal("claim released despite recent activity")
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Claimed(key) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.Claimed(key) {
		t.Fatal("claim never expired after activity stopped")
	}
}

func TestActivityRebroadcastsExpiry(t *testing.T) {
	m, bus := testMachine(time.Minute)
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	key := testKey()
	m.Claim(key)

	recv := func(stage string) events.StateChange {
		t.Helper()
		select {
		case evt := <-ch:
			return evt.Payload.(events.StateChange)
		case <-time.After(time.Second):
			t.Fatalf("no broadcast after %s", stage)
			return events.StateChange{}
		}
	}

	first := recv("claim")
	if !first.Claimed || first.ExpiresAt == nil {
		t.Fatalf("claim broadcast missing expiry: %+v", first)
	}

	if !m.NoteActivity(key) {
		t.Fatal("activity on a claimed conversation should report true")
	}
	refreshed := recv("activity")
	if !refreshed.Claimed || refreshed.ExpiresAt == nil {
		t.Fatalf("activity broadcast missing expiry: %+v", refreshed)
	}
	if refreshed.ExpiresAt.Before(*first.ExpiresAt) {
		t.Errorf("refreshed expiry %v precedes original %v", refreshed.ExpiresAt, first.ExpiresAt)
	}

	// Re-claiming slides the window the same way.
	if m.Claim(key) {
		t.Fatal("second claim should not report created")
	}
	reclaimed := recv("re-claim")
	if !reclaimed.Claimed || reclaimed.ExpiresAt == nil {
		t.Fatalf("re-claim broadcast missing expiry: %+v", reclaimed)
	}
}

func TestManualReleaseCancelsTimer(t *testing.T) {
	m, _ := testMachine(50 * time.Millisecond)
	var released atomic.Int32
	m.OnAutoRelease(func(keys.ConversationKey) { released.Add(1) })

	key := testKey()
	m.Claim(key)
	if !m.Release(key) {
		t.Fatal("release of a claimed conversation should report true")
	}
	if m.Release(key) {
		t.Error("double release should report false")
	}

	time.Sleep(120 * time.Millisecond)
	if released.Load() != 0 {
		t.Error("auto-release hook fired after manual release")
	}
}

func TestNoteActivityUnclaimed(t *testing.T) {
	m, _ := testMachine(time.Minute)
	if m.NoteActivity(testKey()) {
		t.Error("activity on an unclaimed conversation should report false")
	}
}

func TestSweepSession(t *testing.T) {
	m, _ := testMachine(time.Minute)
	sessA := keys.SessionKey{TenantID: "1", SessionName: "a"}
	sessB := keys.SessionKey{TenantID: "1", SessionName: "b"}
	m.Claim(sessA.Conversation("x"))
	m.Claim(sessA.Conversation("y"))
	m.Claim(sessB.Conversation("z"))

	if n := m.SweepSession(sessA); n != 2 {
		t.Errorf("swept %d claims, want 2", n)
	}
	if m.Claimed(sessA.Conversation("x")) || m.Claimed(sessA.Conversation("y")) {
		t.Error("session A claims survived the sweep")
	}
	if !m.Claimed(sessB.Conversation("z")) {
		t.Error("session B claim should be untouched")
	}
}

func TestBroadcasts(t *testing.T) {
	m, bus := testMachine(time.Minute)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	key := testKey()
	m.Claim(key)

	select {
	case evt := <-ch:
		if evt.Name != events.EventStateChange {
			t.Fatalf("unexpected event %q", evt.Name)
		}
		sc := evt.Payload.(events.StateChange)
		if !sc.Claimed || sc.ExpiresAt == nil {
			t.Errorf("claim broadcast missing fields: %+v", sc)
		}
		if sc.ConversationID != key.ConversationID {
			t.Errorf("wrong conversation %q", sc.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("no claim broadcast")
	}

	m.Release(key)
	select {
	case evt := <-ch:
		sc := evt.Payload.(events.StateChange)
		if sc.Claimed || sc.ExpiresAt != nil {
			t.Errorf("release broadcast wrong: %+v", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("no release broadcast")
	}
}
