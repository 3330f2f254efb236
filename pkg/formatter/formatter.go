// Package formatter turns raw bot replies into renderable message records.
//
// The output HTML is trusted markup: it is meant to be injected as-is into the
// chat surface and is NOT sanitized. Bot text that contains HTML reaches the
// page unchanged, so integrators must only feed it replies from a bot they
// control.
package formatter

import (
	"regexp"
	"strings"
)

// Citation is a source definition found in a reply, e.g. `[1]: https://x "X"`.
type Citation struct {
	Index string `json:"index"`
	URL   string `json:"url"`
	Label string `json:"label"`
}

// FormattedMessage pairs the rendered HTML with the citations collected from
// the reply, in the order they appeared.
type FormattedMessage struct {
	HTML      string     `json:"html"`
	Citations []Citation `json:"citations"`
}

// Lookup returns the first citation whose index equals index textually.
// "01" and "1" are different indices.
func (m FormattedMessage) Lookup(index string) (Citation, bool) {
	for _, c := range m.Citations {
		if c.Index == index {
			return c, true
		}
	}
	return Citation{}, false
}

var (
	definitionRe = regexp.MustCompile(`\[(\d+)\]:\s*(https?://\S+)\s*"([^"]+)"`)
	boldRe       = regexp.MustCompile(`\*\*(.*?)\*\*`)
	referenceRe  = regexp.MustCompile(`\[(\d+)\]`)
)

// lineRules run in order; a line rewritten by an earlier rule no longer
// starts with a marker, so later rules leave it alone. The list rules consume
// the newline before an item, so a heading ends at the first <li> as well as
// at end of line.
var lineRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?:^|\n)-[ \t]*(\d+\.[ \t]*[^\n]+)`), "<li>$1</li>"},
	{regexp.MustCompile(`(?:^|\n)\d+\. ([^\n]*)`), "<li>$1</li>"},
	{regexp.MustCompile(`(?:^|\n)- ([^\n]*)`), "<li>$1</li>"},
	{regexp.MustCompile(`(?m)^### (.*?)(\n|(<li>)|$)`), "<h2>${1}</h2>${3}"},
}

const (
	wrapOpen  = "<ul>"
	wrapClose = "</ul>"
)

// Format converts one raw reply. It never fails: text that does not match any
// rule is passed through untouched.
func Format(raw string) FormattedMessage {
	msg := FormattedMessage{Citations: []Citation{}}
	if strings.TrimSpace(raw) == "" {
		msg.HTML = wrapOpen + wrapClose
		return msg
	}

	text := definitionRe.ReplaceAllStringFunc(raw, func(match string) string {
		sub := definitionRe.FindStringSubmatch(match)
		msg.Citations = append(msg.Citations, Citation{Index: sub[1], URL: sub[2], Label: sub[3]})
		return ""
	})

	text = boldRe.ReplaceAllString(text, "<strong>$1</strong>")

	for _, rule := range lineRules {
		text = rule.re.ReplaceAllString(text, rule.repl)
	}

	text = referenceRe.ReplaceAllStringFunc(text, func(match string) string {
		index := match[1 : len(match)-1]
		c, ok := msg.Lookup(index)
		if !ok {
			return match
		}
		return "<a href='" + c.URL + "' target='_blank' class='reference-link'>[" + index + "]</a>"
	})

	msg.HTML = wrapOpen + text + wrapClose
	return msg
}
