package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulldigest/pulldigest/billing"
	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/engine"
	"github.com/pulldigest/pulldigest/store"
)

type stubRunner struct {
	triggerRunID string
	triggerErr   error
	gotEntryID   string
	gotWindow    *engine.Window

	due    []*digest.MonitoringEntry
	dueErr error

	completeErr  error
	completedID  string
	completedRes store.RunResult
}

func (s *stubRunner) TriggerNow(_ context.Context, entryID string, override *engine.Window) (string, error) {
	s.gotEntryID = entryID
	s.gotWindow = override
	return s.triggerRunID, s.triggerErr
}

func (s *stubRunner) ListDue(context.Context) ([]*digest.MonitoringEntry, error) {
	return s.due, s.dueErr
}

func (s *stubRunner) CompleteRun(_ context.Context, runID string, result store.RunResult) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completedID = runID
	s.completedRes = result
	return nil
}

type stubRunReader struct {
	runs map[string]*digest.Run
	list []*digest.Run
	err  error

	gotEntryID string
	gotLimit   int
}

func (s *stubRunReader) GetRun(_ context.Context, id string) (*digest.Run, error) {
	if s.err != nil {
		return nil, s.err
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return run, nil
}

func (s *stubRunReader) ListRunsByEntry(_ context.Context, entryID string, limit int) ([]*digest.Run, error) {
	s.gotEntryID = entryID
	s.gotLimit = limit
	return s.list, s.err
}

type nopBillingStore struct {
	snapshots int
	modes     int
}

func (s *nopBillingStore) ApplyPlanSnapshot(context.Context, string, digest.SubscriptionState, *digest.Plan) error {
	s.snapshots++
	return nil
}

func (s *nopBillingStore) SetEntryMode(context.Context, string, digest.EntryMode) error {
	s.modes++
	return nil
}

func newTestServer(t *testing.T, runner *stubRunner, reader *stubRunReader) (*Server, *nopBillingStore) {
	t.Helper()
	bst := &nopBillingStore{}
	webhook, err := billing.New(bst)
	require.NoError(t, err)
	if reader == nil {
		reader = &stubRunReader{runs: map[string]*digest.Run{}}
	}
	srv, err := New(Options{Engine: runner, Runs: reader, Billing: webhook})
	require.NoError(t, err)
	return srv, bst
}

func doRequest(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTriggerRun(t *testing.T) {
	runner := &stubRunner{triggerRunID: "run-42"}
	srv, _ := newTestServer(t, runner, nil)

	rec := doRequest(srv, http.MethodPost, "/v1/entries/entry-1/trigger", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"run_id": "run-42"}`, rec.Body.String())
	assert.Equal(t, "entry-1", runner.gotEntryID)
	assert.Nil(t, runner.gotWindow)
}

func TestTriggerRunWithWindow(t *testing.T) {
	runner := &stubRunner{triggerRunID: "run-42"}
	srv, _ := newTestServer(t, runner, nil)

	rec := doRequest(srv, http.MethodPost, "/v1/entries/entry-1/trigger",
		`{"from": "2024-05-20T00:00:00Z", "to": "2024-05-27T00:00:00Z"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, runner.gotWindow)
	assert.Equal(t, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), runner.gotWindow.From)
	assert.Equal(t, time.Date(2024, 5, 27, 0, 0, 0, 0, time.UTC), runner.gotWindow.To)
}

func TestTriggerRunValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		code int
	}{
		{"bad json", `{"from":`, http.StatusBadRequest},
		{"from without to", `{"from": "2024-05-20T00:00:00Z"}`, http.StatusUnprocessableEntity},
		{"from after to", `{"from": "2024-05-27T00:00:00Z", "to": "2024-05-20T00:00:00Z"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &stubRunner{triggerRunID: "run-42"}
			srv, _ := newTestServer(t, runner, nil)
			rec := doRequest(srv, http.MethodPost, "/v1/entries/entry-1/trigger", tc.body)
			assert.Equal(t, tc.code, rec.Code)
			assert.Empty(t, runner.gotEntryID, "the engine must not be reached")
		})
	}
}

func TestTriggerRunErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"missing entry", fmt.Errorf("load entry: %w", store.ErrNotFound), http.StatusNotFound},
		{"paused entry", fmt.Errorf("%w: entry e is paused", engine.ErrEntryNotRunnable), http.StatusUnprocessableEntity},
		{"store outage", fmt.Errorf("open run: mongo down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubRunner{triggerErr: tc.err}, nil)
			rec := doRequest(srv, http.MethodPost, "/v1/entries/entry-1/trigger", "")
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestListDue(t *testing.T) {
	next := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	runner := &stubRunner{due: []*digest.MonitoringEntry{{
		ID:           "entry-1",
		TenantID:     "tenant-1",
		AuthorID:     "author-1",
		RepositoryID: "repo-1",
		Mode:         digest.ModeGhost,
		Status:       digest.EntryActive,
		Recipients:   []string{"lead@example.com"},
		NextRunAt:    &next,
	}}}
	srv, _ := newTestServer(t, runner, nil)

	rec := doRequest(srv, http.MethodGet, "/v1/due", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Entries []entryView `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Entries, 1)
	got := payload.Entries[0]
	assert.Equal(t, "entry-1", got.ID)
	assert.Equal(t, "ghost", got.Mode)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))
}

func TestGetRun(t *testing.T) {
	sentAt := time.Date(2024, 6, 3, 13, 0, 5, 0, time.UTC)
	summary := "Shipped the retry fix."
	reader := &stubRunReader{runs: map[string]*digest.Run{
		"run-1": {
			ID:          "run-1",
			EntryID:     "entry-1",
			TenantID:    "tenant-1",
			Trigger:     digest.TriggerScheduled,
			Status:      digest.RunCompleted,
			PRCount:     2,
			PRNumbers:   []int{7, 9},
			HasActivity: true,
			Summary:     &summary,
			Delivery: digest.DeliveryRecord{
				Status:     digest.DeliverySent,
				SentAt:     &sentAt,
				Recipients: []string{"lead@example.com"},
			},
		},
	}}
	srv, _ := newTestServer(t, &stubRunner{}, reader)

	rec := doRequest(srv, http.MethodGet, "/v1/runs/run-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got runView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, []int{7, 9}, got.PRNumbers)
	require.NotNil(t, got.Delivery)
	assert.Equal(t, "sent", got.Delivery.Status)

	rec = doRequest(srv, http.MethodGet, "/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	reader := &stubRunReader{list: []*digest.Run{{ID: "run-2"}, {ID: "run-1"}}}
	srv, _ := newTestServer(t, &stubRunner{}, reader)

	rec := doRequest(srv, http.MethodGet, "/v1/entries/entry-1/runs?limit=2", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "entry-1", reader.gotEntryID)
	assert.Equal(t, 2, reader.gotLimit)
	var payload struct {
		Runs []runView `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Runs, 2)
	assert.Equal(t, "run-2", payload.Runs[0].ID)

	rec = doRequest(srv, http.MethodGet, "/v1/entries/entry-1/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteRun(t *testing.T) {
	runner := &stubRunner{}
	srv, _ := newTestServer(t, runner, nil)

	rec := doRequest(srv, http.MethodPost, "/v1/runs/run-1/complete", `{
		"status": "failed",
		"delivery": {"status": "failed", "failure_reason": "worker crashed"}
	}`)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "run-1", runner.completedID)
	assert.Equal(t, digest.RunFailed, runner.completedRes.Status)
	assert.Equal(t, digest.DeliveryFailed, runner.completedRes.Delivery.Status)
	assert.Equal(t, "worker crashed", runner.completedRes.Delivery.FailureReason)
}

func TestCompleteRunErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"bad result", fmt.Errorf("%w: status must be terminal", engine.ErrInvalidResult), http.StatusUnprocessableEntity},
		{"already closed", store.ErrRunClosed, http.StatusConflict},
		{"missing run", store.ErrNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubRunner{completeErr: tc.err}, nil)
			rec := doRequest(srv, http.MethodPost, "/v1/runs/run-1/complete",
				`{"status": "completed", "delivery": {"status": "skipped", "failure_reason": "No activity"}}`)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestBillingWebhook(t *testing.T) {
	srv, bst := newTestServer(t, &stubRunner{}, nil)

	rec := doRequest(srv, http.MethodPost, "/v1/webhooks/billing", `{
		"type": "membership.accepted",
		"entry_id": "entry-7"
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"applied": "membership.accepted"}`, rec.Body.String())
	assert.Equal(t, 1, bst.modes)

	rec = doRequest(srv, http.MethodPost, "/v1/webhooks/billing", `{"type": "invoice.paid"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{}, nil)

	for _, path := range []string{"/healthz", "/livez"} {
		rec := doRequest(srv, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestNewValidation(t *testing.T) {
	webhook, err := billing.New(&nopBillingStore{})
	require.NoError(t, err)
	reader := &stubRunReader{}

	_, err = New(Options{Runs: reader, Billing: webhook})
	require.Error(t, err)
	_, err = New(Options{Engine: &stubRunner{}, Billing: webhook})
	require.Error(t, err)
	_, err = New(Options{Engine: &stubRunner{}, Runs: reader})
	require.Error(t, err)
}
