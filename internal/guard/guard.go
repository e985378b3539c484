// Package guard post-processes draft answers: markdown normalization for
// the chat surface, forbidden-phrase substitution, and the citation gate.
// Guardrails never fail; they rewrite text and may downgrade confidence.
package guard

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Finding is one guardrail observation, recorded for telemetry.
type Finding struct {
	Rule    string `json:"rule"`
	Detail  string `json:"detail"`
	Replace string `json:"replacement,omitempty"`
}

// Outcome is the result of a full guardrail pass.
type Outcome struct {
	Text       string
	Findings   []Finding
	Downgraded bool
}

// forbiddenPhrases maps over-promising expressions to safer canonical
// alternatives. Matching is case-insensitive on the exact substring.
var forbiddenPhrases = []struct {
	phrase      string
	replacement string
}{
	{"automatically", "with the right configuration"},
	{"out of the box", "with standard setup"},
	{"seamlessly", "smoothly"},
	{"guaranteed", "designed"},
	{"zero configuration", "minimal configuration"},
	{"always works", "is designed to work"},
	{"supports all", "supports many"},
}

var (
	doubleBoldPattern = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	citationPattern   = regexp.MustCompile(`\[\[(\d+)\]\]\(([^)]+)\)`)
)

// Run applies the three scrubs in order and reports what changed.
// fetchedURLs is the set of URLs the agent actually fetched; only those may
// be cited.
func Run(requestID, text string, fetchedURLs []string) Outcome {
	out := Outcome{Text: text}

	out.Text, out.Findings = normalizeMarkdown(out.Text, out.Findings)
	out.Text, out.Findings = scrubForbiddenPhrases(out.Text, out.Findings)

	invalid := validateCitations(out.Text, fetchedURLs)
	for _, cite := range invalid {
		out.Findings = append(out.Findings, Finding{
			Rule:   "citation_gate",
			Detail: "citation target was never fetched: " + cite,
		})
	}
	// Any invalid citation downgrades; the answer itself stands.
	out.Downgraded = len(invalid) > 0

	for _, f := range out.Findings {
		slog.Info("guardrail finding",
			slog.String("request_id", requestID),
			slog.String("rule", f.Rule),
			slog.String("detail", f.Detail))
	}
	return out
}

// normalizeMarkdown converts **bold** to the chat surface's *bold*.
func normalizeMarkdown(text string, findings []Finding) (string, []Finding) {
	if !doubleBoldPattern.MatchString(text) {
		return text, findings
	}
	findings = append(findings, Finding{
		Rule:   "markdown_normalization",
		Detail: "converted double-asterisk bold to single-asterisk",
	})
	return doubleBoldPattern.ReplaceAllString(text, "*$1*"), findings
}

// scrubForbiddenPhrases replaces each forbidden phrase, preserving leading
// capitalization.
func scrubForbiddenPhrases(text string, findings []Finding) (string, []Finding) {
	for _, fp := range forbiddenPhrases {
		pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(fp.phrase))
		matched := false
		text = pattern.ReplaceAllStringFunc(text, func(m string) string {
			matched = true
			if isUpper(m[0]) {
				return capitalize(fp.replacement)
			}
			return fp.replacement
		})
		if matched {
			findings = append(findings, Finding{
				Rule:    "forbidden_phrase",
				Detail:  fmt.Sprintf("replaced %q", fp.phrase),
				Replace: fp.replacement,
			})
		}
	}
	return text, findings
}

// validateCitations returns every cited URL that is not in the fetched set.
func validateCitations(text string, fetchedURLs []string) []string {
	fetched := make(map[string]struct{}, len(fetchedURLs))
	for _, u := range fetchedURLs {
		fetched[u] = struct{}{}
	}

	var invalid []string
	seen := make(map[string]struct{})
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		target := strings.TrimSpace(m[2])
		if _, ok := fetched[target]; ok {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		invalid = append(invalid, target)
	}
	return invalid
}

// Citations returns the cited URLs in first-appearance order.
func Citations(text string) []string {
	var urls []string
	seen := make(map[string]struct{})
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		target := strings.TrimSpace(m[2])
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		urls = append(urls, target)
	}
	return urls
}

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
