// Package quota decides whether a tenant may receive an automated reply.
//
// Two layers are enforced: the plan layer (subscription status, trial expiry,
// monthly reply allowance) and a short-term burst limiter that keeps a single
// noisy tenant from monopolizing the responder.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/convopilot/convopilot/internal/store"
)

// Denial reasons surfaced to callers so they can pick a user-facing notice.
var (
	ErrNoTenant       = errors.New("quota: tenant not found")
	ErrSubscription   = errors.New("quota: subscription not active")
	ErrTrialExpired   = errors.New("quota: trial period expired")
	ErrLimitReached   = errors.New("quota: monthly reply limit reached")
	ErrBurstThrottled = errors.New("quota: burst rate exceeded")
	ErrResponderOff   = errors.New("quota: responder disabled for tenant")
)

// allowedStatuses are subscription states that permit automated replies.
var allowedStatuses = map[string]bool{
	"trial":  true,
	"active": true,
}

// Gate checks plan quotas and burst rates per tenant.
type Gate struct {
	tenants store.TenantStore
	logger  *slog.Logger

	perMinute float64
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	now func() time.Time
}

// NewGate builds a gate over the tenant store.
func NewGate(tenants store.TenantStore, perMinute float64, burst int, logger *slog.Logger) *Gate {
	if perMinute <= 0 {
		perMinute = 30
	}
	if burst <= 0 {
		burst = 10
	}
	return &Gate{
		tenants:   tenants,
		logger:    logger,
		perMinute: perMinute,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
	}
}

// MayRespond reports whether the tenant is allowed one automated reply right
// now. It rolls the monthly usage window over when the reset instant has
// passed. A denial returns one of the package sentinel errors.
func (g *Gate) MayRespond(ctx context.Context, tenantID string) error {
	tenant, err := g.tenants.Get(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoTenant
	}
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}

	if !tenant.ResponderEnabled {
		return ErrResponderOff
	}
	if !allowedStatuses[tenant.SubscriptionStatus] {
		return ErrSubscription
	}

	now := g.now()
	if tenant.SubscriptionStatus == "trial" &&
		!tenant.PlanExpiresAt.IsZero() && now.After(tenant.PlanExpiresAt) {
		return ErrTrialExpired
	}

	if !tenant.UsageResetAt.IsZero() && now.After(tenant.UsageResetAt) {
		next := tenant.UsageResetAt.AddDate(0, 1, 0)
		for !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
		if err := g.tenants.ResetUsage(ctx, tenantID, next); err != nil {
			return fmt.Errorf("reset usage: %w", err)
		}
		tenant.RepliesUsed = 0
		g.logger.Info("monthly usage reset", "tenant", tenantID, "next_reset", next)
	}

	if tenant.ReplyLimit >= 0 && tenant.RepliesUsed >= tenant.ReplyLimit {
		return ErrLimitReached
	}

	if !g.limiter(tenantID).Allow() {
		return ErrBurstThrottled
	}
	return nil
}

// ConsumeOne records a delivered reply against the tenant's allowance.
func (g *Gate) ConsumeOne(ctx context.Context, tenantID string) error {
	ok, err := g.tenants.IncrementUsage(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if !ok {
		return ErrNoTenant
	}
	return nil
}

// PlanDenied reports whether the error is a plan-level denial, as opposed to
// transient throttling or an infrastructure failure.
func PlanDenied(err error) bool {
	return errors.Is(err, ErrNoTenant) ||
		errors.Is(err, ErrSubscription) ||
		errors.Is(err, ErrTrialExpired) ||
		errors.Is(err, ErrLimitReached) ||
		errors.Is(err, ErrResponderOff)
}

func (g *Gate) limiter(tenantID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.perMinute/60.0), g.burst)
		g.limiters[tenantID] = l
	}
	return l
}
