// Package engine executes monitoring entries. It owns the tick loop that
// finds due entries, the run pipeline that fetches activity, summarizes it
// and delivers the digest, and the reaper that closes runs abandoned by a
// crashed worker.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/lease"
	"github.com/pulldigest/pulldigest/mail"
	"github.com/pulldigest/pulldigest/quota"
	"github.com/pulldigest/pulldigest/secrets"
	"github.com/pulldigest/pulldigest/store"
	"github.com/pulldigest/pulldigest/telemetry"
)

const (
	defaultPoll   = time.Minute
	defaultGrace  = 5 * time.Minute
	defaultWindow = 24 * time.Hour
)

var (
	// ErrEntryNotRunnable is returned when a manual trigger targets an entry
	// that is paused or removed.
	ErrEntryNotRunnable = errors.New("entry is not runnable")
	// ErrInvalidResult is returned when an externally supplied run result is
	// not terminal.
	ErrInvalidResult = errors.New("invalid run result")
)

type (
	// Store is the slice of the digest store the engine drives.
	Store interface {
		GetMonitoringEntry(ctx context.Context, id string) (*digest.MonitoringEntry, error)
		ListDueMonitoringEntries(ctx context.Context, now time.Time) ([]*digest.MonitoringEntry, error)
		AdvanceSchedule(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error
		CreateRun(ctx context.Context, entry *digest.MonitoringEntry, trigger digest.TriggerType, scheduledFor time.Time) (*digest.Run, error)
		CompleteRun(ctx context.Context, runID string, result store.RunResult) error
		ListOpenRunsBefore(ctx context.Context, cutoff time.Time) ([]*digest.Run, error)
		GetRepository(ctx context.Context, id string) (*digest.Repository, error)
		SetRepositoryStatus(ctx context.Context, id string, status digest.RepositoryStatus) error
		GetAuthor(ctx context.Context, id string) (*digest.Author, error)
	}

	// Fetcher retrieves the author's pull request activity for a window.
	// Satisfied by the GitHub fetcher.
	Fetcher interface {
		Fetch(ctx context.Context, req digest.FetchRequest) (digest.Bundle, error)
	}

	// Summarizer turns an activity bundle into an email body. A nil summary
	// with a nil error means there was nothing to say.
	Summarizer interface {
		Summarize(ctx context.Context, bundle digest.Bundle, instruction string) (*string, error)
	}

	// Quota admits plan-limited resource consumption.
	Quota interface {
		Consume(ctx context.Context, tenantID string, kind quota.Kind) (bool, error)
		Release(ctx context.Context, tenantID string, kind quota.Kind) error
	}

	// Window is an explicit activity window for manual triggers.
	Window struct {
		From time.Time
		To   time.Time
	}

	// Options configures an Engine.
	Options struct {
		// Store persists entries and runs. Required.
		Store Store
		// Quota gates email sends against tenant plans. Required.
		Quota Quota
		// Fetcher retrieves pull request activity. Required.
		Fetcher Fetcher
		// Summarizer generates digest bodies. Required.
		Summarizer Summarizer
		// Mailer delivers the rendered emails. Required.
		Mailer mail.Messenger
		// Box unseals per-repository credentials. Required.
		Box *secrets.Box
		// Metrics records engine instrumentation. Optional.
		Metrics *telemetry.Metrics
		// Lease gates the tick loop across replicas. Defaults to the
		// process-local lease.
		Lease lease.Lease
		// GlobalToken authenticates repository reads when an entry's
		// repository carries no sealed credential. Optional; without it such
		// entries fall back to unauthenticated search.
		GlobalToken string
		// Poll is the tick interval. Defaults to one minute.
		Poll time.Duration
		// Grace bounds a single run; runs older than this are considered
		// abandoned. Defaults to five minutes.
		Grace time.Duration
		// DefaultWindow is the activity window for an entry's first run.
		// Defaults to 24h.
		DefaultWindow time.Duration
	}

	// Engine drives scheduled and manual digest runs. Runs execute strictly
	// one at a time; the mutex is the single-worker guarantee within the
	// process and the lease extends it across replicas.
	Engine struct {
		store       Store
		quota       Quota
		fetch       Fetcher
		summarize   Summarizer
		mail        mail.Messenger
		box         *secrets.Box
		metrics     *telemetry.Metrics
		tracer      trace.Tracer
		lease       lease.Lease
		globalToken string
		poll        time.Duration
		grace       time.Duration
		window      time.Duration

		now func() time.Time

		mu sync.Mutex
		wg sync.WaitGroup
	}
)

// New validates opts and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Quota == nil {
		return nil, errors.New("quota gate is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Summarizer == nil {
		return nil, errors.New("summarizer is required")
	}
	if opts.Mailer == nil {
		return nil, errors.New("mailer is required")
	}
	if opts.Box == nil {
		return nil, errors.New("credential box is required")
	}
	ls := opts.Lease
	if ls == nil {
		ls = lease.Local{}
	}
	poll := opts.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	window := opts.DefaultWindow
	if window <= 0 {
		window = defaultWindow
	}
	return &Engine{
		store:       opts.Store,
		quota:       opts.Quota,
		fetch:       opts.Fetcher,
		summarize:   opts.Summarizer,
		mail:        opts.Mailer,
		box:         opts.Box,
		metrics:     opts.Metrics,
		tracer:      telemetry.Tracer(),
		lease:       ls,
		globalToken: opts.GlobalToken,
		poll:        poll,
		grace:       grace,
		window:      window,
		now:         time.Now,
	}, nil
}

// ListDue returns the entries the next tick would execute.
func (e *Engine) ListDue(ctx context.Context) ([]*digest.MonitoringEntry, error) {
	return e.store.ListDueMonitoringEntries(ctx, e.now().UTC())
}

// CompleteRun validates and commits an externally produced run result. The
// entry schedule is not advanced: external completion exists to close out
// runs whose executor died, and the reaper or the next tick owns scheduling.
func (e *Engine) CompleteRun(ctx context.Context, runID string, result store.RunResult) error {
	if result.Status != digest.RunCompleted && result.Status != digest.RunFailed {
		return errors.Join(ErrInvalidResult, errors.New("status must be completed or failed"))
	}
	if !result.Delivery.Terminal() {
		return errors.Join(ErrInvalidResult, errors.New("delivery record must be terminal"))
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = e.now().UTC()
	}
	return e.store.CompleteRun(ctx, runID, result)
}
