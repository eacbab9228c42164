package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/store"
)

type fakeStore struct {
	tenant     digest.Tenant
	increments []string
	resets     []time.Time
	getErr     error
}

func (f *fakeStore) GetTenantWithLimits(_ context.Context, id string) (*digest.Tenant, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if id != f.tenant.ID {
		return nil, store.ErrNotFound
	}
	t := f.tenant
	return &t, nil
}

func (f *fakeStore) IncrementUsage(_ context.Context, _, field string, delta int) (int, error) {
	f.increments = append(f.increments, field)
	switch field {
	case store.UsageRepos:
		f.tenant.Usage.ReposCount += delta
		return f.tenant.Usage.ReposCount, nil
	case store.UsageAuthors:
		f.tenant.Usage.AuthorsCount += delta
		return f.tenant.Usage.AuthorsCount, nil
	default:
		f.tenant.Usage.EmailsSentThisMonth += delta
		if f.tenant.Usage.EmailsSentThisMonth < 0 {
			f.tenant.Usage.EmailsSentThisMonth = 0
		}
		return f.tenant.Usage.EmailsSentThisMonth, nil
	}
}

func (f *fakeStore) ResetUsagePeriod(_ context.Context, _ string, periodStart time.Time) error {
	f.resets = append(f.resets, periodStart)
	if f.tenant.Usage.UsagePeriodStart.Before(periodStart) {
		f.tenant.Usage.EmailsSentThisMonth = 0
		f.tenant.Usage.UsagePeriodStart = periodStart
	}
	return nil
}

func newTestGate(tenant digest.Tenant, now time.Time) (*Gate, *fakeStore) {
	fs := &fakeStore{tenant: tenant}
	g := New(fs)
	g.now = func() time.Time { return now }
	return g, fs
}

func testTenant(emailsUsed int, periodStart time.Time) digest.Tenant {
	return digest.Tenant{
		ID:    "t1",
		State: digest.SubscriptionActive,
		Plan:  digest.Plan{Name: "pro", MaxRepos: 5, MaxAuthors: 10, MaxEmailsPerMonth: 100},
		Usage: digest.Usage{
			ReposCount:          2,
			AuthorsCount:        3,
			EmailsSentThisMonth: emailsUsed,
			UsagePeriodStart:    periodStart,
		},
	}
}

func TestConsumeUnderLimit(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	g, fs := newTestGate(testTenant(40, now.AddDate(0, 0, -10)), now)

	ok, err := g.Consume(context.Background(), "t1", Emails)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{store.UsageEmails}, fs.increments)
	assert.Equal(t, 41, fs.tenant.Usage.EmailsSentThisMonth)
}

func TestConsumeAtLimitDenies(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	g, fs := newTestGate(testTenant(100, now.AddDate(0, 0, -10)), now)

	ok, err := g.Consume(context.Background(), "t1", Emails)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, fs.increments)
}

func TestConsumeRollsLapsedPeriod(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	g, fs := newTestGate(testTenant(100, start), now)

	ok, err := g.Consume(context.Background(), "t1", Emails)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, fs.resets, 1)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), fs.resets[0])
	assert.Equal(t, 1, fs.tenant.Usage.EmailsSentThisMonth)

	// The rolled period sticks; further consumption does not reset again.
	ok, err = g.Consume(context.Background(), "t1", Emails)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, fs.resets, 1)
	assert.Equal(t, 2, fs.tenant.Usage.EmailsSentThisMonth)
}

func TestConsumeInitializesMissingPeriod(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	g, fs := newTestGate(testTenant(0, time.Time{}), now)

	ok, err := g.Consume(context.Background(), "t1", Emails)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, fs.resets, 1)
	assert.Equal(t, now, fs.resets[0])
}

func TestConsumeRepoAndAuthorKinds(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	g, fs := newTestGate(testTenant(0, now), now)

	ok, err := g.Consume(context.Background(), "t1", Repos)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.Consume(context.Background(), "t1", Authors)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{store.UsageRepos, store.UsageAuthors}, fs.increments)
}

func TestConsumeUnknownKind(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGate(testTenant(0, now), now)

	_, err := g.Consume(context.Background(), "t1", Kind("gpus"))
	require.Error(t, err)
}

func TestReleaseFloorsAtZero(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	g, fs := newTestGate(testTenant(0, now), now)

	require.NoError(t, g.Release(context.Background(), "t1", Emails))
	assert.Equal(t, 0, fs.tenant.Usage.EmailsSentThisMonth)
}

func TestRemaining(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGate(testTenant(95, now.AddDate(0, 0, -1)), now)

	left, err := g.Remaining(context.Background(), "t1", Emails)
	require.NoError(t, err)
	assert.Equal(t, 5, left)
}

func TestCanConsumeRecordsNothing(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	g, fs := newTestGate(testTenant(99, now.AddDate(0, 0, -1)), now)

	ok, err := g.CanConsume(context.Background(), "t1", Emails)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, fs.increments)

	fs.tenant.Usage.EmailsSentThisMonth = 100
	ok, err = g.CanConsume(context.Background(), "t1", Emails)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsumePropagatesStoreErrors(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	g, fs := newTestGate(testTenant(0, now), now)
	fs.getErr = errors.New("mongo down")

	_, err := g.Consume(context.Background(), "t1", Emails)
	require.ErrorIs(t, err, fs.getErr)
}
