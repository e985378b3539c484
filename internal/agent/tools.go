package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uselight/lightopedia/internal/retrieval"
	"github.com/uselight/lightopedia/internal/route"
	"github.com/uselight/lightopedia/internal/source"
	"github.com/uselight/lightopedia/internal/store"
)

// Fetch and search limits for the tool surface.
const (
	maxFetchURLs    = 15
	maxSearchHits   = 8
	manifestMaxAge  = 5 * time.Minute
	escalationTypes = "feature_request, bug_report, support_needed, documentation_gap"
)

// Article is one fetched piece of evidence. URL is the canonical citation
// target.
type Article struct {
	URL     string
	Title   string
	Content string
}

// Escalation is a drafted human handoff.
type Escalation struct {
	Title            string `json:"title"`
	RequestType      string `json:"request_type"`
	ProblemStatement string `json:"problem_statement"`
}

// State accumulates loop side effects across tool calls.
type State struct {
	fetchedURLs map[string]struct{}
	Fetched     []Article
	Escalation  *Escalation
}

func newState() *State {
	return &State{fetchedURLs: make(map[string]struct{})}
}

// addArticle records an article unless its URL was already fetched.
func (s *State) addArticle(a Article) bool {
	if _, dup := s.fetchedURLs[a.URL]; dup {
		return false
	}
	s.fetchedURLs[a.URL] = struct{}{}
	s.Fetched = append(s.Fetched, a)
	return true
}

// FetchedURLs returns the fetched set in first-fetch order.
func (s *State) FetchedURLs() []string {
	urls := make([]string, len(s.Fetched))
	for i, a := range s.Fetched {
		urls[i] = a.URL
	}
	return urls
}

// Tool is one capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Execute     func(ctx context.Context, args json.RawMessage, st *State) string
}

// ArticleURL is the canonical citation URL for a stored article.
func ArticleURL(repo, path string) string {
	return "https://github.com/" + repo + "/blob/main/" + path
}

// parseArticleURL maps a citation URL (or bare "owner/repo/path" form) back
// to (repo, path).
func parseArticleURL(raw string) (repo, path string, ok bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "github.com/")

	if idx := strings.Index(s, "/blob/"); idx >= 0 {
		repo = s[:idx]
		rest := s[idx+len("/blob/"):]
		// Skip the ref segment.
		if _, p, found := strings.Cut(rest, "/"); found {
			return repo, p, true
		}
		return "", "", false
	}

	parts := strings.SplitN(s, "/", 3)
	if len(parts) == 3 {
		return parts[0] + "/" + parts[1], parts[2], true
	}
	return "", "", false
}

// toolDeps is what tool execution needs from the rest of the system.
type toolDeps struct {
	store     *store.Store
	retriever *retrieval.Engine
	fetcher   source.Fetcher

	manifestMu   sync.Mutex
	manifest     string
	manifestTime time.Time
}

func (d *toolDeps) tools() []Tool {
	return []Tool{
		{
			Name:        "knowledge_base",
			Description: "Returns the table of contents of every indexed help article with its URL. Call this first to discover what documentation exists.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Execute:     d.knowledgeBase,
		},
		{
			Name:        "fetch_articles",
			Description: "Fetches the full content of up to 15 articles by URL. Only fetched articles may be cited in the final answer.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"urls":{"type":"array","items":{"type":"string"},"maxItems":15}},"required":["urls"]}`),
			Execute:     d.fetchArticles,
		},
		{
			Name:        "search_articles",
			Description: "Searches help articles by semantic similarity to a natural-language query and returns the best matches in full.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			Execute:     d.searchArticles,
		},
		{
			Name:        "escalate_to_human",
			Description: "Drafts an escalation to the Light team when documentation cannot answer the question. Request types: " + escalationTypes + ".",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"request_type":{"type":"string","enum":["feature_request","bug_report","support_needed","documentation_gap"]},"problem_statement":{"type":"string"}},"required":["title","request_type","problem_statement"]}`),
			Execute:     d.escalate,
		},
	}
}

// knowledgeBase renders the article manifest, cached briefly since the
// model often calls it once per request.
func (d *toolDeps) knowledgeBase(ctx context.Context, _ json.RawMessage, _ *State) string {
	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()
	if d.manifest != "" && time.Since(d.manifestTime) < manifestMaxAge {
		return d.manifest
	}

	articles, err := d.store.ListArticles(ctx)
	if err != nil {
		return "knowledge base is unavailable: " + err.Error()
	}
	if len(articles) == 0 {
		return "The knowledge base is empty."
	}

	byRepo := make(map[string][]store.Article)
	for _, a := range articles {
		byRepo[a.Repo] = append(byRepo[a.Repo], a)
	}
	repos := make([]string, 0, len(byRepo))
	for r := range byRepo {
		repos = append(repos, r)
	}
	sort.Strings(repos)

	var sb strings.Builder
	sb.WriteString("Indexed help articles:\n")
	for _, r := range repos {
		fmt.Fprintf(&sb, "\n%s:\n", r)
		for _, a := range byRepo[r] {
			title := a.Title
			if title == "" {
				title = a.Path
			}
			fmt.Fprintf(&sb, "- %s — %s\n", title, ArticleURL(a.Repo, a.Path))
		}
	}

	d.manifest = sb.String()
	d.manifestTime = time.Now()
	return d.manifest
}

// fetchArticles resolves each URL, store first, raw upstream content as the
// fallback. Failures are reported per URL in the tool output.
func (d *toolDeps) fetchArticles(ctx context.Context, args json.RawMessage, st *State) string {
	var in struct {
		URLs []string `json:"urls"`
	}
	_ = json.Unmarshal(args, &in)
	if len(in.URLs) == 0 {
		return "No URLs provided."
	}
	if len(in.URLs) > maxFetchURLs {
		in.URLs = in.URLs[:maxFetchURLs]
	}

	outcomes := make([]fetchOutcome, len(in.URLs))

	var g errgroup.Group
	for i, raw := range in.URLs {
		g.Go(func() error {
			outcomes[i] = d.fetchOne(ctx, raw)
			return nil
		})
	}
	_ = g.Wait()

	var sb strings.Builder
	for _, out := range outcomes {
		if out.article == nil {
			fmt.Fprintf(&sb, "Could not fetch %s: %s\n\n", out.url, out.errText)
			continue
		}
		st.addArticle(*out.article)
		fmt.Fprintf(&sb, "=== Article: %s ===\nURL: %s\n\n%s\n\n", out.article.Title, out.article.URL, out.article.Content)
	}
	return strings.TrimSpace(sb.String())
}

type fetchOutcome struct {
	url     string
	article *Article
	errText string
}

func (d *toolDeps) fetchOne(ctx context.Context, raw string) fetchOutcome {
	out := fetchOutcome{url: raw}
	repo, path, ok := parseArticleURL(raw)
	if !ok {
		out.errText = "unrecognized article URL"
		return out
	}

	if stored, err := d.store.GetArticle(ctx, repo, path); err == nil {
		title := stored.Title
		if title == "" {
			title = path
		}
		out.article = &Article{URL: ArticleURL(repo, path), Title: title, Content: stored.Content}
		return out
	}

	content, err := d.fetcher.FetchRaw(ctx, repo, path, "")
	if err != nil {
		out.errText = err.Error()
		return out
	}
	out.article = &Article{URL: ArticleURL(repo, path), Title: path, Content: string(content)}
	return out
}

// searchArticles reuses the retrieval core and returns whole articles for
// the top chunk hits.
func (d *toolDeps) searchArticles(ctx context.Context, args json.RawMessage, st *State) string {
	var in struct {
		Query string `json:"query"`
	}
	_ = json.Unmarshal(args, &in)
	if strings.TrimSpace(in.Query) == "" {
		return "No query provided."
	}

	pack := d.retriever.Retrieve(ctx, in.Query, route.Decision{})
	if len(pack.Candidates) == 0 {
		return "No matching articles found."
	}

	var sb strings.Builder
	seen := make(map[string]struct{})
	for _, c := range pack.Candidates {
		if len(seen) >= maxSearchHits {
			break
		}
		repo := c.Metadata["repo_slug"]
		path := c.Metadata["path"]
		key := repo + "/" + path
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		stored, err := d.store.GetArticle(ctx, repo, path)
		if err != nil {
			continue
		}
		title := stored.Title
		if title == "" {
			title = path
		}
		a := Article{URL: ArticleURL(repo, path), Title: title, Content: stored.Content}
		st.addArticle(a)
		fmt.Fprintf(&sb, "=== Article: %s ===\nURL: %s\n\n%s\n\n", a.Title, a.URL, a.Content)
	}
	if sb.Len() == 0 {
		return "No matching articles found."
	}
	return strings.TrimSpace(sb.String())
}

// escalate records the draft. It does not terminate the loop; the model may
// keep searching afterwards.
func (d *toolDeps) escalate(_ context.Context, args json.RawMessage, st *State) string {
	var in Escalation
	_ = json.Unmarshal(args, &in)
	if in.Title == "" {
		in.Title = "Escalation from Lightopedia"
	}
	switch in.RequestType {
	case "feature_request", "bug_report", "support_needed", "documentation_gap":
	default:
		in.RequestType = "support_needed"
	}
	st.Escalation = &in
	return fmt.Sprintf("Escalation drafted: %q (%s). The Light team will follow up; you may continue answering with what the documentation does cover.",
		in.Title, in.RequestType)
}
