package summary

import (
	"fmt"
	"strings"

	"github.com/pulldigest/pulldigest/digest"
)

// maxDescriptionChars bounds the PR description excerpt included in the
// prompt so a single verbose body cannot crowd out the rest of the activity.
const maxDescriptionChars = 200

// BuildPrompt renders an activity bundle into the prompt fed to the model.
// The rendering is deterministic: the same bundle and instruction always
// produce the same prompt, byte for byte, so summaries stay reproducible
// across providers and retries.
func BuildPrompt(bundle digest.Bundle, instruction string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instruction))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Pull request activity (%d pull requests):\n", len(bundle.PRs))
	for _, pr := range bundle.PRs {
		writePR(&b, pr)
	}
	return b.String()
}

func writePR(b *strings.Builder, pr digest.PullRequest) {
	fmt.Fprintf(b, "\n## PR #%d: %s\n", pr.Number, pr.Title)
	fmt.Fprintf(b, "Repository: %s\n", pr.RepoFullName)
	fmt.Fprintf(b, "State: %s\n", pr.State)
	fmt.Fprintf(b, "Opened: %s\n", pr.CreatedAt.UTC().Format("2006-01-02"))
	fmt.Fprintf(b, "URL: %s\n", pr.URL)
	if len(pr.Labels) > 0 {
		fmt.Fprintf(b, "Labels: %s\n", strings.Join(pr.Labels, ", "))
	}
	if desc := excerpt(pr.Body); desc != "" {
		fmt.Fprintf(b, "Description: %s\n", desc)
	}
	if len(pr.Files) == 0 {
		return
	}
	b.WriteString("Changed files:\n")
	for _, f := range pr.Files {
		fmt.Fprintf(b, "- %s (%s, +%d/-%d)\n", f.Filename, f.Status, f.Additions, f.Deletions)
		if f.Patch != "" {
			fmt.Fprintf(b, "```\n%s\n```\n", f.Patch)
		}
	}
}

// excerpt collapses the description to a single trimmed line capped at
// maxDescriptionChars runes.
func excerpt(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	runes := []rune(body)
	if len(runes) <= maxDescriptionChars {
		return body
	}
	return string(runes[:maxDescriptionChars]) + "..."
}
