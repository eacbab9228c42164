package mail

import (
	"fmt"
	"html"
	"strings"
)

// RenderHTML converts a plain-text summary into the HTML alternative body.
// The renderer understands the small structural subset the models are
// instructed to emit: headings, dashed or starred bullet lists and blank-line
// separated paragraphs. Everything else is treated as paragraph text. All
// content passes through html.EscapeString, so model output can never inject
// markup into the message.
func RenderHTML(text string) string {
	var b strings.Builder
	b.WriteString("<html><body>\n")
	inList := false
	closeList := func() {
		if inList {
			b.WriteString("</ul>\n")
			inList = false
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			closeList()
		case strings.HasPrefix(line, "## "):
			closeList()
			fmt.Fprintf(&b, "<h3>%s</h3>\n", html.EscapeString(strings.TrimPrefix(line, "## ")))
		case strings.HasPrefix(line, "# "):
			closeList()
			fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(strings.TrimPrefix(line, "# ")))
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			if !inList {
				b.WriteString("<ul>\n")
				inList = true
			}
			fmt.Fprintf(&b, "<li>%s</li>\n", html.EscapeString(line[2:]))
		default:
			closeList()
			fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(line))
		}
	}
	closeList()
	b.WriteString("</body></html>\n")
	return b.String()
}
