package engine

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/pulldigest/pulldigest/digest"
)

// Run drives the scheduler until ctx is canceled: an immediate reap pass and
// tick on startup, then a tick per poll interval and a reap pass per hour.
// It returns after in-flight manual runs have drained.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.ReapAbandoned(ctx); err != nil {
		log.Errorf(ctx, err, "startup reap pass")
	}
	e.tick(ctx)

	poll := time.NewTicker(e.poll)
	defer poll.Stop()
	reap := time.NewTicker(time.Hour)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-poll.C:
			e.tick(ctx)
		case <-reap.C:
			if err := e.ReapAbandoned(ctx); err != nil {
				log.Errorf(ctx, err, "reap pass")
			}
		}
	}
}

// tick claims the scheduler lease and executes every due entry in order. When
// another replica holds the lease the tick is a no-op.
func (e *Engine) tick(ctx context.Context) {
	ok, err := e.lease.Acquire(ctx)
	if err != nil {
		log.Errorf(ctx, err, "acquire scheduler lease")
		return
	}
	if !ok {
		log.Debugf(ctx, "scheduler lease held elsewhere")
		return
	}
	now := e.now().UTC()
	entries, err := e.store.ListDueMonitoringEntries(ctx, now)
	if err != nil {
		log.Errorf(ctx, err, "list due entries")
		return
	}
	if len(entries) > 0 {
		log.Debugf(ctx, "%d entries due", len(entries))
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		scheduledFor := now
		if entry.NextRunAt != nil {
			scheduledFor = entry.NextRunAt.UTC()
		}
		run, err := e.store.CreateRun(ctx, entry, digest.TriggerScheduled, scheduledFor)
		if err != nil {
			// No run record, no outcome: the entry stays due and is picked
			// up again next tick.
			log.Errorf(ctx, err, "open run for entry %s", entry.ID)
			continue
		}
		e.execute(ctx, entry, run, nil)
	}
}

// TriggerNow opens a manual run for an active entry and executes it in the
// background. An optional window overrides the entry's own window policy for
// this run only. The returned run ID can be polled for the outcome.
func (e *Engine) TriggerNow(ctx context.Context, entryID string, override *Window) (string, error) {
	entry, err := e.store.GetMonitoringEntry(ctx, entryID)
	if err != nil {
		return "", fmt.Errorf("load entry: %w", err)
	}
	if entry.Status != digest.EntryActive {
		return "", fmt.Errorf("%w: entry %s is %s", ErrEntryNotRunnable, entryID, entry.Status)
	}
	run, err := e.store.CreateRun(ctx, entry, digest.TriggerManual, e.now().UTC())
	if err != nil {
		return "", fmt.Errorf("open run: %w", err)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(ctx, entry, run, override)
	}()
	return run.ID, nil
}
