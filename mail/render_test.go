package mail

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestRenderHTML(t *testing.T) {
	text := strings.Join([]string{
		"# Weekly digest",
		"",
		"Rivka shipped two changes.",
		"",
		"## Merged",
		"- Fix flaky retry",
		"* Add entry index",
		"",
		"Nothing is blocked.",
	}, "\n")

	got := RenderHTML(text)
	assert.Contains(t, got, "<h2>Weekly digest</h2>")
	assert.Contains(t, got, "<p>Rivka shipped two changes.</p>")
	assert.Contains(t, got, "<h3>Merged</h3>")
	assert.Contains(t, got, "<li>Fix flaky retry</li>")
	assert.Contains(t, got, "<li>Add entry index</li>")
	assert.Contains(t, got, "<p>Nothing is blocked.</p>")
	assert.True(t, strings.HasPrefix(got, "<html><body>\n"))
	assert.True(t, strings.HasSuffix(got, "</body></html>\n"))

	// Adjacent bullets share one list.
	assert.Equal(t, 1, strings.Count(got, "<ul>"))
	assert.Equal(t, 1, strings.Count(got, "</ul>"))
}

func TestRenderHTMLClosesListAtEnd(t *testing.T) {
	got := RenderHTML("- only item")
	assert.Contains(t, got, "<ul>\n<li>only item</li>\n</ul>")
}

func TestRenderHTMLEscapesContent(t *testing.T) {
	got := RenderHTML("<script>alert(1)</script>\n- <b>bold</b>")
	assert.NotContains(t, got, "<script>")
	assert.NotContains(t, got, "<b>")
	assert.Contains(t, got, "&lt;script&gt;alert(1)&lt;/script&gt;")
	assert.Contains(t, got, "<li>&lt;b&gt;bold&lt;/b&gt;</li>")
}

func TestRenderHTMLProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("lists stay balanced", prop.ForAll(
		func(text string) bool {
			out := RenderHTML(text)
			return strings.Count(out, "<ul>") == strings.Count(out, "</ul>")
		},
		gen.AnyString(),
	))

	properties.Property("input markup never survives escaping", prop.ForAll(
		func(text string) bool {
			stripped := stripRendererTags(RenderHTML(text))
			return !strings.ContainsAny(stripped, "<>")
		},
		gen.AnyString(),
	))

	properties.Property("rendering is deterministic", prop.ForAll(
		func(text string) bool {
			return RenderHTML(text) == RenderHTML(text)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// stripRendererTags removes every tag RenderHTML itself emits; whatever
// remains must be escaped input.
func stripRendererTags(out string) string {
	for _, tag := range []string{
		"<html>", "</html>", "<body>", "</body>",
		"<h2>", "</h2>", "<h3>", "</h3>",
		"<ul>", "</ul>", "<li>", "</li>", "<p>", "</p>",
	} {
		out = strings.ReplaceAll(out, tag, "")
	}
	return out
}
