package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulldigest/pulldigest/digest"
)

type fakeModel struct {
	requests []Request
	results  []fakeResult
}

type fakeResult struct {
	text string
	err  error
}

func (m *fakeModel) Complete(_ context.Context, req Request) (Response, error) {
	m.requests = append(m.requests, req)
	if len(m.results) == 0 {
		return Response{}, errors.New("no scripted result")
	}
	r := m.results[0]
	m.results = m.results[1:]
	return Response{Text: r.text}, r.err
}

func newTestSummarizer(t *testing.T, model Model) (*Summarizer, *[]time.Duration) {
	t.Helper()
	s, err := New(Options{
		Model:       model,
		ModelID:     "claude-sonnet-4-5",
		MaxTokens:   512,
		MinInterval: time.Millisecond,
	})
	require.NoError(t, err)
	var slept []time.Duration
	s.jitter = func() time.Duration { return time.Second }
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, &slept
}

func activityBundle() digest.Bundle {
	return digest.Bundle{
		HasActivity: true,
		PRs: []digest.PullRequest{{
			Number:       7,
			Title:        "Fix flaky retry",
			State:        "open",
			URL:          "https://github.com/acme/widgets/pull/7",
			Author:       "rivka",
			RepoFullName: "acme/widgets",
			CreatedAt:    time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC),
			UpdatedAt:    time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		}},
	}
}

func TestSummarizeNoActivity(t *testing.T) {
	model := &fakeModel{}
	s, _ := newTestSummarizer(t, model)

	got, err := s.Summarize(context.Background(), digest.Bundle{}, "summarize")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, model.requests, "model must not be called without activity")
}

func TestSummarizeSuccess(t *testing.T) {
	model := &fakeModel{results: []fakeResult{{text: "  Rivka opened PR #7.\n"}}}
	s, slept := newTestSummarizer(t, model)

	got, err := s.Summarize(context.Background(), activityBundle(), "summarize")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Rivka opened PR #7.", *got)
	assert.Empty(t, *slept)

	require.Len(t, model.requests, 1)
	req := model.requests[0]
	assert.Equal(t, "claude-sonnet-4-5", req.Model)
	assert.Equal(t, 512, req.MaxTokens)
	assert.Contains(t, req.Text, "## PR #7: Fix flaky retry")
}

func TestSummarizeRetriesTransient(t *testing.T) {
	model := &fakeModel{results: []fakeResult{
		{err: fmt.Errorf("%w: 429", ErrRateLimited)},
		{err: fmt.Errorf("%w: 503", ErrUnavailable)},
		{text: "All quiet after two hiccups."},
	}}
	s, slept := newTestSummarizer(t, model)

	got, err := s.Summarize(context.Background(), activityBundle(), "summarize")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "All quiet after two hiccups.", *got)
	assert.Len(t, model.requests, 3)
	// 2^attempt * 15s plus the injected 1s jitter.
	assert.Equal(t, []time.Duration{31 * time.Second, 61 * time.Second}, *slept)
}

func TestSummarizeExhaustsAttempts(t *testing.T) {
	rateErr := fmt.Errorf("%w: 429", ErrRateLimited)
	model := &fakeModel{results: []fakeResult{{err: rateErr}, {err: rateErr}, {err: rateErr}}}
	s, slept := newTestSummarizer(t, model)

	got, err := s.Summarize(context.Background(), activityBundle(), "summarize")
	require.Error(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, model.requests, 3)
	assert.Len(t, *slept, 2, "no backoff after the final attempt")
}

func TestSummarizeDoesNotRetryPermanentFailures(t *testing.T) {
	model := &fakeModel{results: []fakeResult{{err: errors.New("invalid model id")}}}
	s, slept := newTestSummarizer(t, model)

	_, err := s.Summarize(context.Background(), activityBundle(), "summarize")
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Len(t, model.requests, 1)
	assert.Empty(t, *slept)
}

func TestSummarizeRejectsEmptyCompletion(t *testing.T) {
	model := &fakeModel{results: []fakeResult{{text: "   \n"}}}
	s, _ := newTestSummarizer(t, model)

	got, err := s.Summarize(context.Background(), activityBundle(), "summarize")
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Contains(t, err.Error(), "empty summary")
}

func TestSummarizeStopsWhenContextCanceledDuringBackoff(t *testing.T) {
	model := &fakeModel{results: []fakeResult{
		{err: fmt.Errorf("%w: 429", ErrRateLimited)},
		{text: "never reached"},
	}}
	s, _ := newTestSummarizer(t, model)
	s.sleep = func(_ context.Context, _ time.Duration) error { return context.Canceled }

	_, err := s.Summarize(context.Background(), activityBundle(), "summarize")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, model.requests, 1)
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrRateLimited)))
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.False(t, IsRetryable(errors.New("bad request")))
	assert.False(t, IsRetryable(nil))
}

func TestBuildPromptDeterministic(t *testing.T) {
	bundle := activityBundle()
	bundle.PRs[0].Labels = []string{"bug", "retry"}
	bundle.PRs[0].Body = "The retry loop gives up too early.\n\nSee the linked issue."
	bundle.PRs[0].Files = []digest.ChangedFile{{
		Filename:  "retry/retry.go",
		Status:    "modified",
		Additions: 12,
		Deletions: 3,
		Patch:     "@@ -10,3 +10,4 @@\n-old\n+new",
	}}

	first := BuildPrompt(bundle, "Write a short status update.")
	second := BuildPrompt(bundle, "Write a short status update.")
	assert.Equal(t, first, second)

	assert.True(t, strings.HasPrefix(first, "Write a short status update.\n\n"))
	assert.Contains(t, first, "Pull request activity (1 pull requests):")
	assert.Contains(t, first, "## PR #7: Fix flaky retry")
	assert.Contains(t, first, "Repository: acme/widgets")
	assert.Contains(t, first, "State: open")
	assert.Contains(t, first, "Opened: 2024-06-02")
	assert.Contains(t, first, "Labels: bug, retry")
	assert.Contains(t, first, "Description: The retry loop gives up too early. See the linked issue.")
	assert.Contains(t, first, "- retry/retry.go (modified, +12/-3)")
	assert.Contains(t, first, "```\n@@ -10,3 +10,4 @@\n-old\n+new\n```")
}

func TestBuildPromptTruncatesDescription(t *testing.T) {
	bundle := activityBundle()
	bundle.PRs[0].Body = strings.Repeat("x", 450)

	prompt := BuildPrompt(bundle, "summarize")
	assert.Contains(t, prompt, "Description: "+strings.Repeat("x", 200)+"...")
	assert.NotContains(t, prompt, strings.Repeat("x", 201))
}
