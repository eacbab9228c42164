package digest

import "time"

type (
	// ChangedFile is one file touched by a pull request. Patch is truncated by
	// the fetch stage; a truncated patch ends with an ellipsis marker.
	ChangedFile struct {
		Filename  string
		Status    string
		Additions int
		Deletions int
		Patch     string
	}

	// PullRequest is the normalized view of one pull request inside a fetch
	// window, independent of the code-host wire format.
	PullRequest struct {
		Number       int
		Title        string
		State        string
		URL          string
		Author       string
		Body         string
		Labels       []string
		RepoFullName string
		CreatedAt    time.Time
		UpdatedAt    time.Time
		Files        []ChangedFile
	}

	// Bundle is everything the fetch stage hands to the summariser for one
	// run. HasActivity is false when no pull request fell inside the window.
	Bundle struct {
		PRs         []PullRequest
		HasActivity bool
	}

	// FetchRequest names the repository, author and window the fetch stage
	// must cover. Credential is the already-opened plaintext token; empty
	// selects the credential-less search fallback.
	FetchRequest struct {
		Owner      string
		Name       string
		Credential string
		Author     string
		From       time.Time
		To         time.Time
	}
)
