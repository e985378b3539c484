// Package agent runs the bounded tool-calling loop that gathers evidence
// and the follow-up synthesis pass that writes the draft answer from it.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uselight/lightopedia/internal/llm"
	"github.com/uselight/lightopedia/internal/retrieval"
	"github.com/uselight/lightopedia/internal/route"
	"github.com/uselight/lightopedia/internal/source"
	"github.com/uselight/lightopedia/internal/store"
)

// Loop bounds.
const (
	// MaxIter caps tool-loop rounds.
	MaxIter = 5

	loopTemperature = 0.3
	maxTokens       = 1200

	historyWindow      = 4
	historyTruncChars  = 300
	attachmentMaxChars = 2000
	synthesisTail      = 3
)

// Attachment is extracted text from a user-provided file.
type Attachment struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Result is the loop outcome handed to the guardrail and assembler stages.
type Result struct {
	Draft       string
	Fetched     []Article
	FetchedURLs []string
	Escalation  *Escalation
	Iterations  int
}

// Agent orchestrates the two-phase answering flow.
type Agent struct {
	llm  *llm.Client
	deps *toolDeps
}

// New wires the agent over the shared clients.
func New(client *llm.Client, s *store.Store, retriever *retrieval.Engine, fetcher source.Fetcher) *Agent {
	return &Agent{
		llm:  client,
		deps: &toolDeps{store: s, retriever: retriever, fetcher: fetcher},
	}
}

const basePrompt = `You are Lightopedia, the internal QA assistant for Light, the finance platform for modern companies. You answer questions from Light employees using only the indexed help documentation.

Work method:
1. Use knowledge_base to see what documentation exists.
2. Use search_articles and fetch_articles to gather the articles that cover the question.
3. Only articles you fetched may support your answer.
4. If the documentation does not cover the question, use escalate_to_human to draft a request for the Light team.

Never invent capabilities. Be precise about what Light does and does not do.`

const synthesisPrompt = `You are Lightopedia, the internal QA assistant for Light, the finance platform for modern companies. Write the final answer to the user's question using only the evidence articles provided.

Requirements:
- Cite evidence inline as [[n]](url). The url must be one of the evidence article URLs, numbered by first use.
- State explicitly what Light does and, when relevant, what Light does not do.
- Plain enablement language a salesperson can relay to a customer.
- Use *single asterisks* for bold, never double.
- Avoid over-promising words such as "automatically", "seamlessly", "out of the box", "guaranteed", "zero configuration", "always works", or "supports all".
- Do not call any tools. Answer from the evidence only.`

// Run executes phase 1 (tool loop) and phase 2 (clean synthesis).
func (a *Agent) Run(ctx context.Context, question string, decision route.Decision, history []route.HistoryMessage, attachments []Attachment) (*Result, error) {
	st := newState()
	tools := a.deps.tools()

	messages := []llm.Message{
		{Role: "system", Content: a.systemPrompt(decision, history)},
		{Role: "user", Content: userMessage(question, attachments)},
	}

	var lastAssistant string
	iterations := 0
	for ; iterations < MaxIter; iterations++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := a.llm.Chat(ctx, llm.ChatRequest{
			Model:       llm.SynthesisModel,
			Messages:    messages,
			Temperature: loopTemperature,
			MaxTokens:   maxTokens,
			Tools:       toolCatalog(tools),
		})
		if err != nil {
			return nil, err
		}
		if resp.Content != "" {
			lastAssistant = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			output := a.executeTool(ctx, tools, call, st)
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    output,
			})
		}
	}

	draft, err := a.synthesize(ctx, question, st, history, messages, lastAssistant)
	if err != nil {
		return nil, err
	}

	return &Result{
		Draft:       draft,
		Fetched:     st.Fetched,
		FetchedURLs: st.FetchedURLs(),
		Escalation:  st.Escalation,
		Iterations:  iterations,
	}, nil
}

// synthesize runs phase 2. With evidence it starts a fresh message sequence
// so the model answers from articles, not from its tool-call reasoning.
func (a *Agent) synthesize(ctx context.Context, question string, st *State, history []route.HistoryMessage, loopMessages []llm.Message, lastAssistant string) (string, error) {
	if len(st.Fetched) > 0 {
		messages := []llm.Message{{Role: "system", Content: synthesisPrompt}}
		if block := compressHistory(history); block != "" {
			messages = append(messages, llm.Message{Role: "system", Content: block})
		}
		messages = append(messages, llm.Message{Role: "user", Content: evidenceMessage(question, st.Fetched)})

		resp, err := a.llm.Chat(ctx, llm.ChatRequest{
			Model:       llm.SynthesisModel,
			Messages:    messages,
			Temperature: loopTemperature,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	if st.Escalation != nil {
		// Nothing was fetched but an escalation exists; the loop's last
		// words stand as the answer.
		return lastAssistant, nil
	}

	resp, err := a.llm.Chat(ctx, llm.ChatRequest{
		Model:       llm.SynthesisModel,
		Messages:    loopMessages,
		Temperature: loopTemperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (a *Agent) executeTool(ctx context.Context, tools []Tool, call llm.ToolCall, st *State) string {
	args := json.RawMessage(call.Function.Arguments)
	if len(args) == 0 || !json.Valid(args) {
		slog.Warn("tool call with malformed arguments",
			slog.String("tool", call.Function.Name),
			slog.String("arguments", call.Function.Arguments))
		args = json.RawMessage(`{}`)
	}

	for _, t := range tools {
		if t.Name == call.Function.Name {
			return t.Execute(ctx, args, st)
		}
	}
	return fmt.Sprintf("Unknown tool %q.", call.Function.Name)
}

func toolCatalog(tools []Tool) []llm.Tool {
	out := make([]llm.Tool, len(tools))
	for i, t := range tools {
		out[i] = llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}

func (a *Agent) systemPrompt(decision route.Decision, history []route.HistoryMessage) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if decision.FollowupContext != "" {
		sb.WriteString("\n\nThis question follows up on: ")
		sb.WriteString(truncate(decision.FollowupContext, historyTruncChars))
	}

	if len(history) > 0 {
		sb.WriteString("\n\nRecent thread messages:\n")
		start := len(history) - historyWindow
		if start < 0 {
			start = 0
		}
		for _, m := range history[start:] {
			fmt.Fprintf(&sb, "- %s: %s\n", m.Role, truncate(m.Text, historyTruncChars))
		}
	}
	return sb.String()
}

// compressHistory keeps the thread parent plus the last few messages for
// the synthesis pass.
func compressHistory(history []route.HistoryMessage) string {
	if len(history) == 0 {
		return ""
	}
	keep := []route.HistoryMessage{history[0]}
	start := len(history) - synthesisTail
	if start < 1 {
		start = 1
	}
	keep = append(keep, history[start:]...)

	var sb strings.Builder
	sb.WriteString("Conversation so far:\n")
	for _, m := range keep {
		fmt.Fprintf(&sb, "- %s: %s\n", m.Role, truncate(m.Text, historyTruncChars))
	}
	return sb.String()
}

func userMessage(question string, attachments []Attachment) string {
	var sb strings.Builder
	sb.WriteString(question)
	for _, att := range attachments {
		fmt.Fprintf(&sb, "\n\nAttached file %s:\n%s", att.Name, truncate(att.Text, attachmentMaxChars))
	}
	return sb.String()
}

func evidenceMessage(question string, articles []Article) string {
	var sb strings.Builder
	sb.WriteString("Evidence articles:\n")
	for i, a := range articles {
		fmt.Fprintf(&sb, "\n[%d] %s\nURL: %s\n%s\n", i+1, a.Title, a.URL, a.Content)
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
