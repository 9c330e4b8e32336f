package quota

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/convopilot/convopilot/internal/store"
)

func testGate(t *testing.T, tenant *store.Tenant) (*Gate, store.TenantStore) {
	t.Helper()
	set := store.NewMemory()
	if tenant != nil {
		if err := set.Tenants.Put(context.Background(), tenant); err != nil {
			t.Fatal(err)
		}
	}
	gate := NewGate(set.Tenants, 6000, 100, slog.New(slog.DiscardHandler))
	return gate, set.Tenants
}

func activeTenant() *store.Tenant {
	return &store.Tenant{
		ID:                 "42",
		ResponderEnabled:   true,
		SubscriptionStatus: "active",
		ReplyLimit:         100,
		UsageResetAt:       time.Now().Add(24 * time.Hour),
	}
}

func TestMayRespondActiveTenant(t *testing.T) {
	gate, _ := testGate(t, activeTenant())
	if err := gate.MayRespond(context.Background(), "42"); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestMayRespondDenials(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*store.Tenant)
		want   error
	}{
		{"responder off", func(tn *store.Tenant) { tn.ResponderEnabled = false }, ErrResponderOff},
		{"cancelled", func(tn *store.Tenant) { tn.SubscriptionStatus = "cancelled" }, ErrSubscription},
		{"past due", func(tn *store.Tenant) { tn.SubscriptionStatus = "past_due" }, ErrSubscription},
		{
			"trial expired",
			func(tn *store.Tenant) {
				tn.SubscriptionStatus = "trial"
				tn.PlanExpiresAt = time.Now().Add(-time.Hour)
			},
			ErrTrialExpired,
		},
		{
			"limit reached",
			func(tn *store.Tenant) {
				tn.ReplyLimit = 5
				tn.RepliesUsed = 5
			},
			ErrLimitReached,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant := activeTenant()
			tt.mutate(tenant)
			gate, _ := testGate(t, tenant)
			err := gate.MayRespond(context.Background(), "42")
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			if !PlanDenied(err) {
				t.Errorf("%v should be a plan denial", err)
			}
		})
	}
}

func TestMayRespondUnknownTenant(t *testing.T) {
	gate, _ := testGate(t, nil)
	if err := gate.MayRespond(context.Background(), "nobody"); !errors.Is(err, ErrNoTenant) {
		t.Errorf("got %v, want ErrNoTenant", err)
	}
}

func TestUnlimitedPlanIgnoresUsage(t *testing.T) {
	tenant := activeTenant()
	tenant.ReplyLimit = -1
	tenant.RepliesUsed = 1_000_000
	gate, _ := testGate(t, tenant)
	if err := gate.MayRespond(context.Background(), "42"); err != nil {
		t.Fatalf("unlimited plan denied: %v", err)
	}
}

func TestMonthlyUsageRollsOver(t *testing.T) {
	tenant := activeTenant()
	tenant.ReplyLimit = 10
	tenant.RepliesUsed = 10
	tenant.UsageResetAt = time.Now().Add(-time.Minute)
	gate, tenants := testGate(t, tenant)

	if err := gate.MayRespond(context.Background(), "42"); err != nil {
		t.Fatalf("expected allow after rollover, got %v", err)
	}

	fresh, err := tenants.Get(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.RepliesUsed != 0 {
		t.Errorf("usage not reset: %d", fresh.RepliesUsed)
	}
	if !fresh.UsageResetAt.After(time.Now()) {
		t.Errorf("next reset not in the future: %v", fresh.UsageResetAt)
	}
}

func TestConsumeOne(t *testing.T) {
	gate, tenants := testGate(t, activeTenant())
	if err := gate.ConsumeOne(context.Background(), "42"); err != nil {
		t.Fatal(err)
	}
	fresh, err := tenants.Get(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.RepliesUsed != 1 {
		t.Errorf("RepliesUsed = %d, want 1", fresh.RepliesUsed)
	}

	if err := gate.ConsumeOne(context.Background(), "ghost"); !errors.Is(err, ErrNoTenant) {
		t.Errorf("got %v, want ErrNoTenant", err)
	}
}

func TestBurstLimiter(t *testing.T) {
	set := store.NewMemory()
	if err := set.Tenants.Put(context.Background(), activeTenant()); err != nil {
		t.Fatal(err)
	}
	gate := NewGate(set.Tenants, 0.0001, 2, slog.New(slog.DiscardHandler))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := gate.MayRespond(ctx, "42"); err != nil {
			t.Fatalf("call %d unexpectedly denied: %v", i, err)
		}
	}
	err := gate.MayRespond(ctx, "42")
	if !errors.Is(err, ErrBurstThrottled) {
		t.Errorf("got %v, want ErrBurstThrottled", err)
	}
	if PlanDenied(err) {
		t.Error("burst throttle must not count as a plan denial")
	}
}
