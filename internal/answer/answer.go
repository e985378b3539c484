// Package answer builds the final Answer surface from the synthesis draft
// and accumulated loop state.
package answer

import (
	"fmt"
	"strings"

	"github.com/uselight/lightopedia/internal/agent"
	"github.com/uselight/lightopedia/internal/guard"
)

// Confidence values for an emitted answer.
const (
	ConfidenceConfirmed          = "confirmed"
	ConfidenceNeedsClarification = "needs_clarification"
)

// Source is one numbered evidence reference.
type Source struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
}

// Answer is the structured response returned to every surface.
type Answer struct {
	Summary    string            `json:"summary"`
	Sources    []Source          `json:"sources"`
	Confidence string            `json:"confidence"`
	RequestID  string            `json:"request_id"`
	Escalation *agent.Escalation `json:"escalation,omitempty"`
}

// Assemble builds the Answer from a guardrail-scrubbed draft. Sources are
// numbered by first citation appearance; fetched-but-uncited articles
// follow in fetch order.
func Assemble(requestID, text string, fetched []agent.Article, downgraded bool, esc *agent.Escalation) *Answer {
	summary := strings.TrimSpace(text)
	if summary == "" {
		return MissingContext(requestID, esc)
	}

	byURL := make(map[string]agent.Article, len(fetched))
	for _, a := range fetched {
		byURL[a.URL] = a
	}

	var sources []Source
	used := make(map[string]struct{})
	for _, url := range guard.Citations(summary) {
		a, ok := byURL[url]
		if !ok {
			continue
		}
		used[url] = struct{}{}
		sources = append(sources, Source{Number: len(sources) + 1, URL: url, Title: a.Title})
	}
	for _, a := range fetched {
		if _, cited := used[a.URL]; cited {
			continue
		}
		sources = append(sources, Source{Number: len(sources) + 1, URL: a.URL, Title: a.Title})
	}

	confidence := ConfidenceNeedsClarification
	if len(fetched) > 0 && !downgraded {
		confidence = ConfidenceConfirmed
	}

	return &Answer{
		Summary:    summary,
		Sources:    sources,
		Confidence: confidence,
		RequestID:  requestID,
		Escalation: esc,
	}
}

// MissingContext is the canned response when no evidence and no synthesis
// text exist.
func MissingContext(requestID string, esc *agent.Escalation) *Answer {
	return &Answer{
		Summary: fmt.Sprintf(
			"I couldn't find documentation that answers this. If this capability matters to your "+
				"customer, submit a feature request so the Light team can prioritize it. "+
				"Reference request ID %s when following up.", requestID),
		Confidence: ConfidenceNeedsClarification,
		RequestID:  requestID,
		Escalation: esc,
	}
}

// Errored is the generic failure response carrying only the request id.
func Errored(requestID string) *Answer {
	return &Answer{
		Summary: fmt.Sprintf(
			"Something went wrong while answering. Please try again, and mention request ID %s "+
				"if the problem persists.", requestID),
		Confidence: ConfidenceNeedsClarification,
		RequestID:  requestID,
	}
}
