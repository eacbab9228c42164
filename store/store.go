// Package store defines the persistence contract of the digest engine. The
// interfaces are implemented by the MongoDB store in the mongo subpackage;
// tests substitute fakes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/schedule"
)

var (
	// ErrNotFound is returned when no record matches the given identifier.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a create collides with a live record.
	ErrConflict = errors.New("already exists")
	// ErrRunClosed is returned when completing a run that already reached a
	// terminal status.
	ErrRunClosed = errors.New("run already closed")
)

// Usage counter fields accepted by IncrementUsage.
const (
	UsageRepos   = "repos_count"
	UsageAuthors = "authors_count"
	UsageEmails  = "emails_sent_this_month"
)

type (
	// RunResult carries everything CompleteRun stamps onto a started run.
	RunResult struct {
		Status       digest.RunStatus
		WindowFrom   time.Time
		WindowTo     time.Time
		PRCount      int
		PRNumbers    []int
		HasActivity  bool
		Summary      *string
		NoteSnapshot string
		Delivery     digest.DeliveryRecord
		CompletedAt  time.Time
	}

	// EntryStore manages monitoring entries and their schedule state.
	EntryStore interface {
		// GetMonitoringEntry loads one entry by ID.
		GetMonitoringEntry(ctx context.Context, id string) (*digest.MonitoringEntry, error)
		// ListDueMonitoringEntries returns active entries whose schedule is
		// active and whose next occurrence is at or before now, ordered by
		// next occurrence.
		ListDueMonitoringEntries(ctx context.Context, now time.Time) ([]*digest.MonitoringEntry, error)
		// CreateMonitoringEntry persists a new entry. A removed entry for the
		// same (tenant, author, repository) triple is reactivated in place;
		// a live one yields ErrConflict.
		CreateMonitoringEntry(ctx context.Context, entry *digest.MonitoringEntry) (*digest.MonitoringEntry, error)
		// UpdateEntrySchedule replaces the schedule spec and recomputed next
		// occurrence of an entry.
		UpdateEntrySchedule(ctx context.Context, id string, spec schedule.Spec, nextRunAt *time.Time) error
		// SetEntryStatus moves an entry between active, paused and removed.
		SetEntryStatus(ctx context.Context, id string, status digest.EntryStatus) error
		// SetEntryMode flips an entry between ghost and open monitoring.
		SetEntryMode(ctx context.Context, id string, mode digest.EntryMode) error
		// AdvanceSchedule stamps the last occurrence and the next one in a
		// single write. A nil nextRunAt parks the schedule.
		AdvanceSchedule(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error
	}

	// RunStore manages run records.
	RunStore interface {
		// CreateRun opens a run record for an entry in status started.
		CreateRun(ctx context.Context, entry *digest.MonitoringEntry, trigger digest.TriggerType, scheduledFor time.Time) (*digest.Run, error)
		// CompleteRun closes a started run exactly once. Completing an
		// already-terminal run yields ErrRunClosed.
		CompleteRun(ctx context.Context, runID string, result RunResult) error
		// GetRun loads one run by ID.
		GetRun(ctx context.Context, id string) (*digest.Run, error)
		// ListRunsByEntry returns an entry's runs newest first, at most limit.
		ListRunsByEntry(ctx context.Context, entryID string, limit int) ([]*digest.Run, error)
		// ListOpenRunsBefore returns runs still in status started whose
		// StartedAt is before cutoff.
		ListOpenRunsBefore(ctx context.Context, cutoff time.Time) ([]*digest.Run, error)
	}

	// TenantStore manages tenants, their plan snapshots and usage counters.
	TenantStore interface {
		// GetTenantWithLimits loads a tenant including plan and usage.
		GetTenantWithLimits(ctx context.Context, id string) (*digest.Tenant, error)
		// CreateTenant persists a new tenant.
		CreateTenant(ctx context.Context, tenant *digest.Tenant) (*digest.Tenant, error)
		// IncrementUsage atomically adds delta to a usage counter, flooring
		// at zero, and returns the new value.
		IncrementUsage(ctx context.Context, tenantID, field string, delta int) (int, error)
		// ResetUsagePeriod zeroes the email counter and moves the usage
		// period start forward. Stale period starts are left untouched.
		ResetUsagePeriod(ctx context.Context, tenantID string, periodStart time.Time) error
		// ApplyPlanSnapshot updates subscription state and, when plan is not
		// nil, the embedded plan snapshot.
		ApplyPlanSnapshot(ctx context.Context, tenantID string, state digest.SubscriptionState, plan *digest.Plan) error
	}

	// CatalogStore manages the named plan catalog.
	CatalogStore interface {
		// UpsertPlan inserts or replaces a named plan.
		UpsertPlan(ctx context.Context, plan digest.Plan) error
		// GetPlan loads a plan by name.
		GetPlan(ctx context.Context, name string) (*digest.Plan, error)
	}

	// RepositoryStore manages monitored repositories.
	RepositoryStore interface {
		// GetRepository loads one repository by ID.
		GetRepository(ctx context.Context, id string) (*digest.Repository, error)
		// CreateRepository persists a new repository.
		CreateRepository(ctx context.Context, repo *digest.Repository) (*digest.Repository, error)
		// SetRepositoryStatus updates a repository's status. Marking a
		// repository removed pauses its dependent entries.
		SetRepositoryStatus(ctx context.Context, id string, status digest.RepositoryStatus) error
	}

	// AuthorStore manages the global author registry.
	AuthorStore interface {
		// GetAuthor loads one author by ID.
		GetAuthor(ctx context.Context, id string) (*digest.Author, error)
		// GetAuthorByUsername loads one author by code-host username.
		GetAuthorByUsername(ctx context.Context, username string) (*digest.Author, error)
		// CreateAuthor persists a new author.
		CreateAuthor(ctx context.Context, author *digest.Author) (*digest.Author, error)
	}

	// Store is the full persistence surface the engine and API are wired to.
	Store interface {
		EntryStore
		RunStore
		TenantStore
		CatalogStore
		RepositoryStore
		AuthorStore
	}
)
