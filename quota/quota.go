// Package quota admits resource consumption against a tenant's plan limits.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/store"
)

// Kind names a plan-limited resource.
type Kind string

const (
	Repos   Kind = "repos"
	Authors Kind = "authors"
	Emails  Kind = "emails"
)

// Store is the slice of the digest store the gate needs.
type Store interface {
	GetTenantWithLimits(ctx context.Context, id string) (*digest.Tenant, error)
	IncrementUsage(ctx context.Context, tenantID, field string, delta int) (int, error)
	ResetUsagePeriod(ctx context.Context, tenantID string, periodStart time.Time) error
}

// Gate checks tenant usage against the embedded plan snapshot and tracks
// consumption. The check and the increment are separate steps, so concurrent
// consumers can overshoot a limit by at most the number of racers; the
// monthly reset bounds the drift.
type Gate struct {
	store Store
	now   func() time.Time
}

// New returns a Gate backed by the given store.
func New(s Store) *Gate {
	return &Gate{store: s, now: time.Now}
}

// CanConsume reports whether the tenant may take one more unit of kind. It
// records nothing; a positive answer can be stale by the time the caller acts
// on it.
func (g *Gate) CanConsume(ctx context.Context, tenantID string, kind Kind) (bool, error) {
	if _, err := usageField(kind); err != nil {
		return false, err
	}
	tenant, err := g.currentTenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	used, limit := usage(tenant, kind)
	return used < limit, nil
}

// Consume admits one unit of kind for the tenant and records it. It returns
// false with a nil error when the plan limit is reached; the caller decides
// what reaching the limit means.
func (g *Gate) Consume(ctx context.Context, tenantID string, kind Kind) (bool, error) {
	field, err := usageField(kind)
	if err != nil {
		return false, err
	}
	tenant, err := g.currentTenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	used, limit := usage(tenant, kind)
	if used >= limit {
		return false, nil
	}
	if _, err := g.store.IncrementUsage(ctx, tenantID, field, 1); err != nil {
		return false, err
	}
	return true, nil
}

// Release returns one previously consumed unit. Counters floor at zero, so
// releasing more than was consumed is harmless.
func (g *Gate) Release(ctx context.Context, tenantID string, kind Kind) error {
	field, err := usageField(kind)
	if err != nil {
		return err
	}
	_, err = g.store.IncrementUsage(ctx, tenantID, field, -1)
	return err
}

// Remaining reports how many units of kind the tenant may still consume in
// the current period.
func (g *Gate) Remaining(ctx context.Context, tenantID string, kind Kind) (int, error) {
	if _, err := usageField(kind); err != nil {
		return 0, err
	}
	tenant, err := g.currentTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	used, limit := usage(tenant, kind)
	if remaining := limit - used; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// currentTenant loads the tenant, rolling the usage period forward first when
// it has lapsed. The reset is conditional on the stored period start, so
// concurrent rollovers collapse into one.
func (g *Gate) currentTenant(ctx context.Context, tenantID string) (*digest.Tenant, error) {
	tenant, err := g.store.GetTenantWithLimits(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := g.now().UTC()
	start := tenant.Usage.UsagePeriodStart
	if !start.IsZero() && now.Before(start.AddDate(0, 1, 0)) {
		return tenant, nil
	}
	next := start
	if next.IsZero() {
		next = now
	}
	for !now.Before(next.AddDate(0, 1, 0)) {
		next = next.AddDate(0, 1, 0)
	}
	if err := g.store.ResetUsagePeriod(ctx, tenantID, next); err != nil {
		return nil, err
	}
	return g.store.GetTenantWithLimits(ctx, tenantID)
}

func usageField(kind Kind) (string, error) {
	switch kind {
	case Repos:
		return store.UsageRepos, nil
	case Authors:
		return store.UsageAuthors, nil
	case Emails:
		return store.UsageEmails, nil
	default:
		return "", fmt.Errorf("unknown quota kind %q", kind)
	}
}

func usage(t *digest.Tenant, kind Kind) (used, limit int) {
	switch kind {
	case Repos:
		return t.Usage.ReposCount, t.Plan.MaxRepos
	case Authors:
		return t.Usage.AuthorsCount, t.Plan.MaxAuthors
	default:
		return t.Usage.EmailsSentThisMonth, t.Plan.MaxEmailsPerMonth
	}
}
