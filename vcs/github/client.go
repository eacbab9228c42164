// Package github talks to the GitHub REST API on behalf of the fetch stage.
// Only the three endpoints the digest engine needs are implemented: listing a
// repository's pull requests, listing a pull request's files, and searching
// an author's pull requests when no repository credential is available.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/retry"
)

const defaultBaseURL = "https://api.github.com"

type (
	// Option configures the GitHub client.
	Option func(*Client)

	// Client is a minimal GitHub REST client. Credentials are passed per
	// call because every repository may carry its own token.
	Client struct {
		baseURL   string
		http      *http.Client
		userAgent string
	}
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithBaseURL points the client at a different API root, such as a GitHub
// Enterprise instance or a test server.
func WithBaseURL(u string) Option {
	return func(cl *Client) {
		cl.baseURL = strings.TrimRight(u, "/")
	}
}

// WithUserAgent overrides the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// New constructs a GitHub client for api.github.com.
func New(opts ...Option) *Client {
	cl := &Client{
		baseURL:   defaultBaseURL,
		http:      &http.Client{Timeout: 15 * time.Second},
		userAgent: "pulldigest/1.0",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: 15 * time.Second}
	}
	return cl
}

// ListPullRequests returns the repository's most recently updated pull
// requests, open and closed, newest first. A single page is fetched; perPage
// bounds it.
func (c *Client) ListPullRequests(ctx context.Context, token, owner, name string, perPage int) ([]digest.PullRequest, error) {
	if owner == "" || name == "" {
		return nil, errors.New("owner and name are required")
	}
	query := url.Values{
		"state":     {"all"},
		"sort":      {"updated"},
		"direction": {"desc"},
		"per_page":  {strconv.Itoa(perPage)},
	}
	var payload []prPayload
	path := "/repos/" + owner + "/" + name + "/pulls"
	if err := c.get(ctx, token, path, query, &payload); err != nil {
		return nil, err
	}
	out := make([]digest.PullRequest, 0, len(payload))
	for _, p := range payload {
		pr := p.toPullRequest()
		pr.RepoFullName = owner + "/" + name
		out = append(out, pr)
	}
	return out, nil
}

// ListFiles returns the files changed by one pull request, at most perPage.
func (c *Client) ListFiles(ctx context.Context, token, owner, name string, number, perPage int) ([]digest.ChangedFile, error) {
	if owner == "" || name == "" {
		return nil, errors.New("owner and name are required")
	}
	query := url.Values{"per_page": {strconv.Itoa(perPage)}}
	var payload []filePayload
	path := "/repos/" + owner + "/" + name + "/pulls/" + strconv.Itoa(number) + "/files"
	if err := c.get(ctx, token, path, query, &payload); err != nil {
		return nil, err
	}
	out := make([]digest.ChangedFile, 0, len(payload))
	for _, f := range payload {
		out = append(out, digest.ChangedFile{
			Filename:  f.Filename,
			Status:    f.Status,
			Additions: f.Additions,
			Deletions: f.Deletions,
			Patch:     f.Patch,
		})
	}
	return out, nil
}

// SearchAuthorPRs finds pull requests authored by username and updated inside
// the window using the issue search API. Search results carry no file detail.
func (c *Client) SearchAuthorPRs(ctx context.Context, token, username string, from, to time.Time, perPage int) ([]digest.PullRequest, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}
	q := "author:" + username + " is:pr updated:" +
		from.UTC().Format(time.RFC3339) + ".." + to.UTC().Format(time.RFC3339)
	query := url.Values{
		"q":        {q},
		"sort":     {"updated"},
		"order":    {"desc"},
		"per_page": {strconv.Itoa(perPage)},
	}
	var payload searchPayload
	if err := c.get(ctx, token, "/search/issues", query, &payload); err != nil {
		return nil, err
	}
	out := make([]digest.PullRequest, 0, len(payload.Items))
	for _, item := range payload.Items {
		pr := item.toPullRequest()
		pr.RepoFullName = repoFullName(item.RepositoryURL)
		out = append(out, pr)
	}
	return out, nil
}

// IsAuthError reports whether err is a GitHub response that means the
// credential is bad or the repository is gone: 401, 403 and 404.
func IsAuthError(err error) bool {
	var httpErr *retry.HTTPStatusError
	if !errors.As(err, &httpErr) {
		return false
	}
	switch httpErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func (c *Client) get(ctx context.Context, token, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: "GET " + path}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type (
	prPayload struct {
		Number    int            `json:"number"`
		Title     string         `json:"title"`
		State     string         `json:"state"`
		HTMLURL   string         `json:"html_url"`
		Body      string         `json:"body"`
		User      userPayload    `json:"user"`
		Labels    []labelPayload `json:"labels"`
		CreatedAt time.Time      `json:"created_at"`
		UpdatedAt time.Time      `json:"updated_at"`
	}

	userPayload struct {
		Login string `json:"login"`
	}

	labelPayload struct {
		Name string `json:"name"`
	}

	filePayload struct {
		Filename  string `json:"filename"`
		Status    string `json:"status"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
		Patch     string `json:"patch"`
	}

	searchPayload struct {
		TotalCount int          `json:"total_count"`
		Items      []searchItem `json:"items"`
	}

	searchItem struct {
		prPayload
		RepositoryURL string `json:"repository_url"`
	}
)

func (p prPayload) toPullRequest() digest.PullRequest {
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		labels = append(labels, l.Name)
	}
	return digest.PullRequest{
		Number:    p.Number,
		Title:     p.Title,
		State:     p.State,
		URL:       p.HTMLURL,
		Author:    p.User.Login,
		Body:      p.Body,
		Labels:    labels,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func repoFullName(repositoryURL string) string {
	const marker = "/repos/"
	if i := strings.LastIndex(repositoryURL, marker); i >= 0 {
		return repositoryURL[i+len(marker):]
	}
	return ""
}
