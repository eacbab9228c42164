package engine

import (
	"context"
	"errors"
	"fmt"

	"goa.design/clue/log"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/schedule"
	"github.com/pulldigest/pulldigest/store"
)

// ReapAbandoned closes runs that have sat in status started past the grace
// period. Their executor is gone, typically a crashed process. Each is failed
// with an abandoned delivery record and its entry's schedule is advanced so
// the entry does not stay wedged behind a dead run.
func (e *Engine) ReapAbandoned(ctx context.Context) error {
	now := e.now().UTC()
	runs, err := e.store.ListOpenRunsBefore(ctx, now.Add(-e.grace))
	if err != nil {
		return fmt.Errorf("list open runs: %w", err)
	}
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := store.RunResult{
			Status:       digest.RunFailed,
			WindowFrom:   run.WindowFrom,
			WindowTo:     run.WindowTo,
			NoteSnapshot: run.NoteSnapshot,
			Delivery:     digest.FailedDelivery(nil, digest.ReasonAbandoned),
			CompletedAt:  now,
		}
		if err := e.store.CompleteRun(ctx, run.ID, res); err != nil && !errors.Is(err, store.ErrRunClosed) {
			log.Errorf(ctx, err, "reap run %s", run.ID)
			continue
		}
		entry, err := e.store.GetMonitoringEntry(ctx, run.EntryID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Errorf(ctx, err, "load entry %s for reaped run %s", run.EntryID, run.ID)
			}
			continue
		}
		// A future occurrence means the schedule already moved past this
		// run; leave it be.
		if entry.NextRunAt != nil && entry.NextRunAt.After(now) {
			continue
		}
		next := schedule.Next(entry.Schedule, now)
		if err := e.store.AdvanceSchedule(ctx, entry.ID, run.StartedAt.UTC(), next); err != nil {
			log.Errorf(ctx, err, "advance schedule for entry %s", entry.ID)
			continue
		}
		log.Printf(ctx, "reaped abandoned run %s for entry %s", run.ID, entry.ID)
	}
	return nil
}
