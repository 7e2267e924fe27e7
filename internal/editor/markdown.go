package editor

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Allowed URL schemes for links and images in preview HTML (spec.md §6):
// mailto is link-only, never images; javascript:, data:, and raw HTML
// are neutralized by escaping everything before markdown structures are
// re-introduced.
var (
	linkSchemes  = map[string]bool{"http": true, "https": true, "axiom": true, "mailto": true}
	imageSchemes = map[string]bool{"http": true, "https": true, "axiom": true}
)

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	linkRe    = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)\)`)
	imageRe   = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
	boldRe    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	emRe      = regexp.MustCompile(`\*([^*]+)\*`)
	codeRe    = regexp.MustCompile("`([^`]+)`")
)

func safeURL(raw string, allowed map[string]bool) (string, bool) {
	idx := strings.Index(raw, ":")
	if idx < 0 {
		// Relative URL; no scheme to restrict.
		return raw, true
	}
	scheme := strings.ToLower(raw[:idx])
	if allowed[scheme] {
		return raw, true
	}
	return "", false
}

// RenderMarkdown produces sanitized preview HTML: the source is
// HTML-escaped first so raw HTML is inert, then a small subset of
// markdown (headings, bold, emphasis, inline code, fenced code, links,
// images, lists) is layered back on with scheme-restricted URLs.
func RenderMarkdown(src string) string {
	var out strings.Builder
	inCode := false
	inList := false

	closeList := func() {
		if inList {
			out.WriteString("</ul>\n")
			inList = false
		}
	}

	for _, line := range strings.Split(src, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inCode {
				out.WriteString("</code></pre>\n")
			} else {
				closeList()
				out.WriteString("<pre><code>")
			}
			inCode = !inCode
			continue
		}
		if inCode {
			out.WriteString(html.EscapeString(line))
			out.WriteString("\n")
			continue
		}

		escaped := html.EscapeString(line)

		if m := headingRe.FindStringSubmatch(escaped); m != nil {
			closeList()
			level := len(m[1])
			out.WriteString(fmt.Sprintf("<h%d>%s</h%d>\n", level, renderInline(m[2]), level))
			continue
		}
		trimmed := strings.TrimSpace(escaped)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			if !inList {
				out.WriteString("<ul>\n")
				inList = true
			}
			out.WriteString("<li>" + renderInline(trimmed[2:]) + "</li>\n")
			continue
		}
		closeList()
		if trimmed == "" {
			continue
		}
		out.WriteString("<p>" + renderInline(escaped) + "</p>\n")
	}
	if inCode {
		out.WriteString("</code></pre>\n")
	}
	closeList()
	return out.String()
}

func renderInline(escaped string) string {
	s := imageRe.ReplaceAllStringFunc(escaped, func(m string) string {
		parts := imageRe.FindStringSubmatch(m)
		if url, ok := safeURL(parts[2], imageSchemes); ok {
			return fmt.Sprintf(`<img src=%q alt=%q>`, url, parts[1])
		}
		return parts[1]
	})
	s = linkRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := linkRe.FindStringSubmatch(m)
		if url, ok := safeURL(parts[2], linkSchemes); ok {
			return fmt.Sprintf(`<a href=%q rel="noopener noreferrer">%s</a>`, url, parts[1])
		}
		return parts[1]
	})
	s = codeRe.ReplaceAllString(s, "<code>$1</code>")
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	s = emRe.ReplaceAllString(s, "<em>$1</em>")
	return s
}
