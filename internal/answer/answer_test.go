package answer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uselight/lightopedia/internal/agent"
)

func TestAssembleNumbersSourcesByCitationOrder(t *testing.T) {
	fetched := []agent.Article{
		{URL: "url-a", Title: "Article A"},
		{URL: "url-b", Title: "Article B"},
		{URL: "url-c", Title: "Article C"},
	}
	text := "B first [[1]](url-b), then A [[2]](url-a)."

	a := Assemble("req-1", text, fetched, false, nil)
	require.Len(t, a.Sources, 3)
	assert.Equal(t, Source{Number: 1, URL: "url-b", Title: "Article B"}, a.Sources[0])
	assert.Equal(t, Source{Number: 2, URL: "url-a", Title: "Article A"}, a.Sources[1])
	// Fetched but uncited comes last.
	assert.Equal(t, Source{Number: 3, URL: "url-c", Title: "Article C"}, a.Sources[2])
	assert.Equal(t, ConfidenceConfirmed, a.Confidence)
}

func TestAssembleDowngradedConfidence(t *testing.T) {
	fetched := []agent.Article{{URL: "url-a", Title: "A"}}
	a := Assemble("req-2", "cites [[1]](url-a)", fetched, true, nil)
	assert.Equal(t, ConfidenceNeedsClarification, a.Confidence)
	assert.NotEmpty(t, a.Summary)
}

func TestAssembleNoEvidence(t *testing.T) {
	a := Assemble("req-3", "General knowledge answer.", nil, false, nil)
	assert.Equal(t, ConfidenceNeedsClarification, a.Confidence)
	assert.Empty(t, a.Sources)
}

func TestAssembleEmptyTextFallsBackToMissingContext(t *testing.T) {
	esc := &agent.Escalation{Title: "gap", RequestType: "documentation_gap"}
	a := Assemble("req-4", "   ", nil, false, esc)
	assert.Contains(t, a.Summary, "req-4")
	assert.Contains(t, a.Summary, "feature request")
	assert.Equal(t, ConfidenceNeedsClarification, a.Confidence)
	assert.Equal(t, esc, a.Escalation)
}

func TestErroredCarriesRequestID(t *testing.T) {
	a := Errored("req-5")
	assert.Contains(t, a.Summary, "req-5")
	assert.Equal(t, ConfidenceNeedsClarification, a.Confidence)
}
