// Package api exposes the digest engine over HTTP: manual run triggers, run
// inspection, the due-entry listing, the billing webhook and health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/pulldigest/pulldigest/billing"
	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/engine"
	"github.com/pulldigest/pulldigest/store"
)

// maxWebhookBody bounds billing webhook payloads.
const maxWebhookBody = 1 << 20

type (
	// Runner is the slice of the engine the API drives. *engine.Engine
	// implements it; tests substitute a stub.
	Runner interface {
		TriggerNow(ctx context.Context, entryID string, override *engine.Window) (string, error)
		ListDue(ctx context.Context) ([]*digest.MonitoringEntry, error)
		CompleteRun(ctx context.Context, runID string, result store.RunResult) error
	}

	// RunReader is the read-side store slice served directly.
	RunReader interface {
		GetRun(ctx context.Context, id string) (*digest.Run, error)
		ListRunsByEntry(ctx context.Context, entryID string, limit int) ([]*digest.Run, error)
	}

	// Options configures New. Engine, Runs and Billing are required.
	Options struct {
		Engine  Runner
		Runs    RunReader
		Billing *billing.Webhook
		Pingers []health.Pinger
	}

	// Server is the HTTP surface of the service.
	Server struct {
		engine  Runner
		runs    RunReader
		billing *billing.Webhook
		health  http.HandlerFunc
	}
)

// New validates opts and returns a server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("run reader is required")
	}
	if opts.Billing == nil {
		return nil, errors.New("billing webhook is required")
	}
	return &Server{
		engine:  opts.Engine,
		runs:    opts.Runs,
		billing: opts.Billing,
		health:  health.Handler(health.NewChecker(opts.Pingers...)),
	}, nil
}

// Handler returns the route tree. Logging and debug middleware are layered on
// by the caller.
func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/due", s.handleListDue)
		r.Post("/entries/{entryID}/trigger", s.handleTrigger)
		r.Get("/entries/{entryID}/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs/{runID}/complete", s.handleCompleteRun)
		r.Post("/webhooks/billing", s.handleBillingWebhook)
	})
	r.Get("/healthz", s.health)
	r.Get("/livez", s.health)
	return r
}

type triggerRequest struct {
	From *time.Time `json:"from"`
	To   *time.Time `json:"to"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")

	var override *engine.Window
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("read request body"))
		return
	}
	if len(body) > 0 {
		var req triggerRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("request body is not valid JSON"))
			return
		}
		if (req.From == nil) != (req.To == nil) {
			writeError(w, http.StatusUnprocessableEntity, errors.New("from and to must be given together"))
			return
		}
		if req.From != nil {
			if !req.From.Before(*req.To) {
				writeError(w, http.StatusUnprocessableEntity, errors.New("from must be before to"))
				return
			}
			override = &engine.Window{From: *req.From, To: *req.To}
		}
	}

	runID, err := s.engine.TriggerNow(r.Context(), entryID, override)
	if err != nil {
		s.respondError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleListDue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.ListDue(r.Context())
	if err != nil {
		s.respondError(r.Context(), w, err)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, toEntryView(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRunsByEntry(r.Context(), chi.URLParam(r, "entryID"), limit)
	if err != nil {
		s.respondError(r.Context(), w, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, toRunView(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

type completeRunRequest struct {
	Status       string     `json:"status"`
	WindowFrom   *time.Time `json:"window_from"`
	WindowTo     *time.Time `json:"window_to"`
	PRCount      int        `json:"pr_count"`
	PRNumbers    []int      `json:"pr_numbers"`
	HasActivity  bool       `json:"has_activity"`
	Summary      *string    `json:"summary"`
	NoteSnapshot string     `json:"note_snapshot"`
	CompletedAt  *time.Time `json:"completed_at"`
	Delivery     struct {
		Status        string     `json:"status"`
		SentAt        *time.Time `json:"sent_at"`
		Recipients    []string   `json:"recipients"`
		FailureReason string     `json:"failure_reason"`
	} `json:"delivery"`
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	var req completeRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("request body is not valid JSON"))
		return
	}
	result := store.RunResult{
		Status:       digest.RunStatus(req.Status),
		PRCount:      req.PRCount,
		PRNumbers:    req.PRNumbers,
		HasActivity:  req.HasActivity,
		Summary:      req.Summary,
		NoteSnapshot: req.NoteSnapshot,
		Delivery: digest.DeliveryRecord{
			Status:        digest.DeliveryStatus(req.Delivery.Status),
			SentAt:        req.Delivery.SentAt,
			Recipients:    req.Delivery.Recipients,
			FailureReason: req.Delivery.FailureReason,
		},
	}
	if req.WindowFrom != nil {
		result.WindowFrom = *req.WindowFrom
	}
	if req.WindowTo != nil {
		result.WindowTo = *req.WindowTo
	}
	if req.CompletedAt != nil {
		result.CompletedAt = *req.CompletedAt
	}
	if err := s.engine.CompleteRun(r.Context(), chi.URLParam(r, "runID"), result); err != nil {
		s.respondError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return
	}
	ev, err := s.billing.Process(r.Context(), body)
	if err != nil {
		s.respondError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"applied": ev.Type})
}

func (s *Server) respondError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrRunClosed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, engine.ErrEntryNotRunnable),
		errors.Is(err, engine.ErrInvalidResult),
		errors.Is(err, billing.ErrInvalidEvent):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		log.Errorf(ctx, err, "request failed")
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type (
	entryView struct {
		ID           string     `json:"id"`
		TenantID     string     `json:"tenant_id"`
		AuthorID     string     `json:"author_id"`
		RepositoryID string     `json:"repository_id"`
		Mode         string     `json:"mode"`
		Status       string     `json:"status"`
		Recipients   []string   `json:"recipients,omitempty"`
		LastRunAt    *time.Time `json:"last_run_at,omitempty"`
		NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	}

	deliveryView struct {
		Status        string     `json:"status"`
		SentAt        *time.Time `json:"sent_at,omitempty"`
		Recipients    []string   `json:"recipients,omitempty"`
		FailureReason string     `json:"failure_reason,omitempty"`
	}

	runView struct {
		ID           string        `json:"id"`
		EntryID      string        `json:"entry_id"`
		TenantID     string        `json:"tenant_id"`
		Trigger      string        `json:"trigger"`
		Status       string        `json:"status"`
		ScheduledFor time.Time     `json:"scheduled_for"`
		StartedAt    time.Time     `json:"started_at"`
		CompletedAt  *time.Time    `json:"completed_at,omitempty"`
		WindowFrom   *time.Time    `json:"window_from,omitempty"`
		WindowTo     *time.Time    `json:"window_to,omitempty"`
		PRCount      int           `json:"pr_count"`
		PRNumbers    []int         `json:"pr_numbers,omitempty"`
		HasActivity  bool          `json:"has_activity"`
		Summary      *string       `json:"summary,omitempty"`
		NoteSnapshot string        `json:"note_snapshot,omitempty"`
		Delivery     *deliveryView `json:"delivery,omitempty"`
	}
)

func toEntryView(entry *digest.MonitoringEntry) entryView {
	return entryView{
		ID:           entry.ID,
		TenantID:     entry.TenantID,
		AuthorID:     entry.AuthorID,
		RepositoryID: entry.RepositoryID,
		Mode:         string(entry.Mode),
		Status:       string(entry.Status),
		Recipients:   entry.Recipients,
		LastRunAt:    entry.LastRunAt,
		NextRunAt:    entry.NextRunAt,
	}
}

func toRunView(run *digest.Run) runView {
	view := runView{
		ID:           run.ID,
		EntryID:      run.EntryID,
		TenantID:     run.TenantID,
		Trigger:      string(run.Trigger),
		Status:       string(run.Status),
		ScheduledFor: run.ScheduledFor,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		WindowFrom:   timePtr(run.WindowFrom),
		WindowTo:     timePtr(run.WindowTo),
		PRCount:      run.PRCount,
		PRNumbers:    run.PRNumbers,
		HasActivity:  run.HasActivity,
		Summary:      run.Summary,
		NoteSnapshot: run.NoteSnapshot,
	}
	if run.Delivery.Status != "" {
		view.Delivery = &deliveryView{
			Status:        string(run.Delivery.Status),
			SentAt:        run.Delivery.SentAt,
			Recipients:    run.Delivery.Recipients,
			FailureReason: run.Delivery.FailureReason,
		}
	}
	return view
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
