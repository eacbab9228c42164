package github

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/retry"
)

// Caps applied to every fetch so a single noisy repository cannot blow up
// prompt size or API budgets.
const (
	DefaultMaxPRs        = 100
	DefaultMaxFilesPerPR = 10
	DefaultMaxPatchBytes = 500
	patchEllipsis        = "..."
)

type (
	// FetcherOptions configures the fetch stage.
	FetcherOptions struct {
		// Client is the GitHub client to fetch through. Required.
		Client *Client
		// Retry bounds transient-failure retries. Zero value uses defaults.
		Retry retry.Config
		// MaxPRs caps pull requests per fetch. Defaults to DefaultMaxPRs.
		MaxPRs int
		// MaxFilesPerPR caps file detail per pull request.
		MaxFilesPerPR int
		// MaxPatchBytes caps each file patch; longer patches are cut and
		// marked with an ellipsis.
		MaxPatchBytes int
	}

	// Fetcher gathers a window of pull request activity for one author on
	// one repository.
	Fetcher struct {
		client        *Client
		retry         retry.Config
		maxPRs        int
		maxFilesPerPR int
		maxPatchBytes int
	}
)

// NewFetcher validates opts and returns a Fetcher.
func NewFetcher(opts FetcherOptions) (*Fetcher, error) {
	if opts.Client == nil {
		return nil, errors.New("github client is required")
	}
	cfg := opts.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	f := &Fetcher{
		client:        opts.Client,
		retry:         cfg,
		maxPRs:        opts.MaxPRs,
		maxFilesPerPR: opts.MaxFilesPerPR,
		maxPatchBytes: opts.MaxPatchBytes,
	}
	if f.maxPRs <= 0 {
		f.maxPRs = DefaultMaxPRs
	}
	if f.maxFilesPerPR <= 0 {
		f.maxFilesPerPR = DefaultMaxFilesPerPR
	}
	if f.maxPatchBytes <= 0 {
		f.maxPatchBytes = DefaultMaxPatchBytes
	}
	return f, nil
}

// Fetch collects the author's pull request activity inside the request
// window. With a credential it lists the repository's pull requests and their
// files; without one it falls back to the public search API, which carries no
// file detail.
func (f *Fetcher) Fetch(ctx context.Context, req digest.FetchRequest) (digest.Bundle, error) {
	var (
		prs []digest.PullRequest
		err error
	)
	if req.Credential != "" {
		prs, err = f.fetchRepo(ctx, req)
	} else {
		prs, err = f.fetchSearch(ctx, req)
	}
	if err != nil {
		return digest.Bundle{}, err
	}
	return digest.Bundle{PRs: prs, HasActivity: len(prs) > 0}, nil
}

func (f *Fetcher) fetchRepo(ctx context.Context, req digest.FetchRequest) ([]digest.PullRequest, error) {
	var listed []digest.PullRequest
	err := retry.Do(ctx, f.retry, func(ctx context.Context) error {
		var err error
		listed, err = f.client.ListPullRequests(ctx, req.Credential, req.Owner, req.Name, f.maxPRs)
		return err
	})
	if err != nil {
		return nil, err
	}

	var matched []digest.PullRequest
	for _, pr := range listed {
		if !strings.EqualFold(pr.Author, req.Author) {
			continue
		}
		if !inWindow(pr.UpdatedAt, req.From, req.To) {
			continue
		}
		matched = append(matched, pr)
		if len(matched) == f.maxPRs {
			break
		}
	}

	for i := range matched {
		var files []digest.ChangedFile
		number := matched[i].Number
		err := retry.Do(ctx, f.retry, func(ctx context.Context) error {
			var err error
			files, err = f.client.ListFiles(ctx, req.Credential, req.Owner, req.Name, number, f.maxFilesPerPR)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(files) > f.maxFilesPerPR {
			files = files[:f.maxFilesPerPR]
		}
		for j := range files {
			files[j].Patch = truncatePatch(files[j].Patch, f.maxPatchBytes)
		}
		matched[i].Files = files
	}
	return matched, nil
}

func (f *Fetcher) fetchSearch(ctx context.Context, req digest.FetchRequest) ([]digest.PullRequest, error) {
	var found []digest.PullRequest
	err := retry.Do(ctx, f.retry, func(ctx context.Context) error {
		var err error
		found, err = f.client.SearchAuthorPRs(ctx, "", req.Author, req.From, req.To, f.maxPRs)
		return err
	})
	if err != nil {
		return nil, err
	}

	target := req.Owner + "/" + req.Name
	var matched []digest.PullRequest
	for _, pr := range found {
		if req.Owner != "" && req.Name != "" && !strings.EqualFold(pr.RepoFullName, target) {
			continue
		}
		if !inWindow(pr.UpdatedAt, req.From, req.To) {
			continue
		}
		matched = append(matched, pr)
		if len(matched) == f.maxPRs {
			break
		}
	}
	return matched, nil
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func truncatePatch(patch string, max int) string {
	if len(patch) <= max {
		return patch
	}
	return patch[:max] + patchEllipsis
}
