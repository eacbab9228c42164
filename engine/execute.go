package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/mail"
	"github.com/pulldigest/pulldigest/quota"
	"github.com/pulldigest/pulldigest/schedule"
	"github.com/pulldigest/pulldigest/store"
	"github.com/pulldigest/pulldigest/vcs/github"
)

// summaryInstruction shapes the model output into the body the renderer and
// the email template expect.
const summaryInstruction = `Write a concise status update email body describing this contributor's recent pull request activity. Lead with what shipped, then what is in review or still open. Use short paragraphs or dashed bullet lists. Plain text only: no subject line, no greeting, no signature.`

// execute drives one run to a terminal state. It detaches from the caller's
// cancellation so a shutdown or dropped request cannot strand the run in
// status started, and bounds the whole pipeline by the grace period so the
// reaper's cutoff is never reached by a live run.
func (e *Engine) execute(ctx context.Context, entry *digest.MonitoringEntry, run *digest.Run, override *Window) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.grace)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "digest.run", trace.WithAttributes(
		attribute.String("entry.id", entry.ID),
		attribute.String("run.id", run.ID),
		attribute.String("trigger", string(run.Trigger)),
	))
	defer span.End()

	var result store.RunResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error(ctx, fmt.Errorf("panic: %v", r),
					log.KV{K: "msg", V: "run pipeline panicked"},
					log.KV{K: "stack", V: string(debug.Stack())})
				result = store.RunResult{
					Status:       digest.RunFailed,
					WindowFrom:   run.WindowFrom,
					WindowTo:     run.WindowTo,
					NoteSnapshot: run.NoteSnapshot,
					Delivery:     digest.FailedDelivery(nil, fmt.Sprintf("internal error: %v", r)),
				}
			}
		}()
		result = e.pipeline(ctx, entry, run, override)
	}()

	e.finish(ctx, entry, run, result)
	e.metrics.RecordRun(ctx, string(result.Status), e.now().Sub(start))
	e.metrics.RecordDelivery(ctx, string(result.Delivery.Status))
	if result.Delivery.FailureReason != "" {
		span.SetAttributes(attribute.String("delivery.reason", result.Delivery.FailureReason))
	}
}

// pipeline runs the fetch, summarize and deliver stages and returns the
// terminal result to commit. Every return path carries a terminal delivery
// record.
func (e *Engine) pipeline(ctx context.Context, entry *digest.MonitoringEntry, run *digest.Run, override *Window) store.RunResult {
	now := e.now().UTC()
	from, to := e.resolveWindow(entry, override, now)
	res := store.RunResult{
		Status:       digest.RunCompleted,
		WindowFrom:   from,
		WindowTo:     to,
		NoteSnapshot: run.NoteSnapshot,
	}

	repo, err := e.store.GetRepository(ctx, entry.RepositoryID)
	if err != nil {
		return failed(res, fmt.Sprintf("load repository: %v", err))
	}
	author, err := e.store.GetAuthor(ctx, entry.AuthorID)
	if err != nil {
		return failed(res, fmt.Sprintf("load author: %v", err))
	}

	token, ok := e.resolveCredential(ctx, repo)
	if !ok {
		// Unreadable credential is an access failure: skip delivery, flag
		// the repository, and let the schedule march on.
		res.Delivery = digest.Skipped(digest.ReasonRepoAccess)
		return res
	}

	fetchStart := e.now()
	bundle, err := e.fetch.Fetch(ctx, digest.FetchRequest{
		Owner:      repo.Owner,
		Name:       repo.Name,
		Credential: token,
		Author:     author.Username,
		From:       from,
		To:         to,
	})
	e.metrics.RecordStage(ctx, "fetch", e.now().Sub(fetchStart))
	if err != nil {
		if github.IsAuthError(err) {
			e.flagRepository(ctx, repo.ID)
			res.Delivery = digest.Skipped(digest.ReasonRepoAccess)
			return res
		}
		return failed(res, fmt.Sprintf("fetch activity: %v", err))
	}

	res.PRCount = len(bundle.PRs)
	res.PRNumbers = prNumbers(bundle.PRs)
	res.HasActivity = bundle.HasActivity
	if !bundle.HasActivity {
		res.Delivery = digest.Skipped(digest.ReasonNoActivity)
		return res
	}

	summarizeStart := e.now()
	text, err := e.summarize.Summarize(ctx, bundle, instruction(entry))
	e.metrics.RecordStage(ctx, "summarize", e.now().Sub(summarizeStart))
	e.metrics.RecordModelCall(ctx, err == nil)
	if err != nil {
		log.Errorf(ctx, err, "summary generation failed for run %s", run.ID)
	}
	res.Summary = text

	switch {
	case text == nil:
		res.Delivery = digest.Skipped(digest.ReasonSummaryFailed)
	case len(entry.Recipients) == 0:
		res.Delivery = digest.Skipped(digest.ReasonNoRecipients)
	default:
		deliverStart := e.now()
		res.Delivery = e.deliver(ctx, entry, author, repo, *text)
		e.metrics.RecordStage(ctx, "deliver", e.now().Sub(deliverStart))
	}
	return res
}

// deliver sends the digest, consuming one email from the tenant's quota. A
// failed send returns the consumed unit so the tenant is not billed for
// nothing.
func (e *Engine) deliver(ctx context.Context, entry *digest.MonitoringEntry, author *digest.Author, repo *digest.Repository, body string) digest.DeliveryRecord {
	ok, err := e.quota.Consume(ctx, entry.TenantID, quota.Emails)
	if err != nil {
		return digest.FailedDelivery(entry.Recipients, fmt.Sprintf("email quota check: %v", err))
	}
	if !ok {
		return digest.Skipped(digest.ReasonQuotaReached)
	}
	msg := mail.Message{
		To:      entry.Recipients,
		Subject: fmt.Sprintf("Status update: %s on %s", author.Username, repo.FullName),
		Text:    body,
		HTML:    mail.RenderHTML(body),
	}
	if err := e.mail.Send(ctx, msg); err != nil {
		log.Errorf(ctx, err, "email delivery failed for entry %s", entry.ID)
		if rerr := e.quota.Release(ctx, entry.TenantID, quota.Emails); rerr != nil {
			log.Errorf(ctx, rerr, "release email quota for tenant %s", entry.TenantID)
		}
		return digest.FailedDelivery(entry.Recipients, fmt.Sprintf("send email: %v", err))
	}
	return digest.SentDelivery(entry.Recipients, e.now())
}

// finish commits the run result and advances the entry schedule. The advance
// happens on every outcome, including commit failures, so an entry can never
// wedge behind a bad run.
func (e *Engine) finish(ctx context.Context, entry *digest.MonitoringEntry, run *digest.Run, res store.RunResult) {
	res.CompletedAt = e.now().UTC()
	if err := e.store.CompleteRun(ctx, run.ID, res); err != nil {
		if errors.Is(err, store.ErrRunClosed) {
			// The reaper got there first; its result stands.
			log.Printf(ctx, "run %s was closed before its result committed", run.ID)
		} else {
			log.Errorf(ctx, err, "commit result for run %s", run.ID)
		}
	}
	now := e.now().UTC()
	next := schedule.Next(entry.Schedule, now)
	if err := e.store.AdvanceSchedule(ctx, entry.ID, now, next); err != nil {
		log.Errorf(ctx, err, "advance schedule for entry %s", entry.ID)
	}
}

// resolveWindow derives the activity window: a manual override wins, then the
// entry's explicit range, then everything since the last run bounded by the
// default window.
func (e *Engine) resolveWindow(entry *digest.MonitoringEntry, override *Window, now time.Time) (time.Time, time.Time) {
	if override != nil {
		return override.From.UTC(), override.To.UTC()
	}
	if entry.WindowPolicy == digest.WindowExplicitRange && entry.WindowFrom != nil && entry.WindowTo != nil {
		return entry.WindowFrom.UTC(), entry.WindowTo.UTC()
	}
	from := now.Add(-e.window)
	if entry.LastRunAt != nil {
		from = entry.LastRunAt.UTC()
	}
	return from, now
}

// resolveCredential unseals the repository credential, falling back to the
// global token when none is configured. ok is false when a credential exists
// but cannot be opened.
func (e *Engine) resolveCredential(ctx context.Context, repo *digest.Repository) (string, bool) {
	if repo.Credential == "" {
		return e.globalToken, true
	}
	token, err := e.box.Open(repo.Credential)
	if err != nil {
		log.Errorf(ctx, err, "unseal credential for repository %s", repo.FullName)
		e.flagRepository(ctx, repo.ID)
		return "", false
	}
	return token, true
}

func (e *Engine) flagRepository(ctx context.Context, repoID string) {
	if err := e.store.SetRepositoryStatus(ctx, repoID, digest.RepositoryTokenError); err != nil {
		log.Errorf(ctx, err, "flag repository %s", repoID)
	}
}

// failed closes a run that never reached the delivery stage, so the delivery
// record carries no recipients.
func failed(res store.RunResult, reason string) store.RunResult {
	res.Status = digest.RunFailed
	res.Delivery = digest.FailedDelivery(nil, reason)
	return res
}

func instruction(entry *digest.MonitoringEntry) string {
	if entry.Note == "" {
		return summaryInstruction
	}
	return summaryInstruction + "\n\nAdditional context from the monitored contributor:\n" + entry.Note
}

func prNumbers(prs []digest.PullRequest) []int {
	if len(prs) == 0 {
		return nil
	}
	nums := make([]int, len(prs))
	for i, pr := range prs {
		nums[i] = pr.Number
	}
	return nums
}
