// Package source fetches article content from the GitHub REST API. It
// supports a personal access token or a GitHub App credential; with an App
// credential it mints installation tokens scoped to the repo owner.
package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/uselight/lightopedia/internal/apperr"
)

// TreeEntry is one blob in a repository tree listing.
type TreeEntry struct {
	Path   string
	BlobID string
}

// Fetcher lists and fetches repository content at a revision.
type Fetcher interface {
	DefaultBranch(ctx context.Context, repo string) (string, error)
	ResolveRef(ctx context.Context, repo, ref string) (string, error)
	ListTree(ctx context.Context, repo, revision string) ([]TreeEntry, error)
	FetchBlob(ctx context.Context, repo, blobID string) ([]byte, error)
	FetchRaw(ctx context.Context, repo, path, revision string) ([]byte, error)
}

// Config configures the GitHub client. Token wins over the App credential
// when both are set.
type Config struct {
	BaseURL       string
	Token         string
	AppID         string
	AppPrivateKey string // PEM-encoded RSA key
	HTTPTimeout   time.Duration
}

// Client is the production Fetcher.
type Client struct {
	baseURL string
	token   string
	app     *appAuth
	http    *http.Client
}

var _ Fetcher = (*Client)(nil)

// NewClient builds a GitHub client from config.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
	}
	if cfg.Token == "" && cfg.AppID != "" && cfg.AppPrivateKey != "" {
		c.app = newAppAuth(cfg.AppID, cfg.AppPrivateKey, c.baseURL, c.http)
	}
	return c
}

// DefaultBranch returns the repository's default branch name.
func (c *Client) DefaultBranch(ctx context.Context, repo string) (string, error) {
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.getJSON(ctx, repo, "/repos/"+repo, &out); err != nil {
		return "", err
	}
	if out.DefaultBranch == "" {
		return "", apperr.Parse("repository response missing default_branch", nil)
	}
	return out.DefaultBranch, nil
}

// ResolveRef resolves a branch or tag name to a commit SHA.
func (c *Client) ResolveRef(ctx context.Context, repo, ref string) (string, error) {
	var out struct {
		SHA string `json:"sha"`
	}
	path := "/repos/" + repo + "/commits/" + url.PathEscape(ref)
	if err := c.getJSON(ctx, repo, path, &out); err != nil {
		return "", err
	}
	if out.SHA == "" {
		return "", apperr.Parse("commit response missing sha", nil)
	}
	return out.SHA, nil
}

// ListTree lists every blob in the repository tree at revision.
func (c *Client) ListTree(ctx context.Context, repo, revision string) ([]TreeEntry, error) {
	var out struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	path := "/repos/" + repo + "/git/trees/" + url.PathEscape(revision) + "?recursive=1"
	if err := c.getJSON(ctx, repo, path, &out); err != nil {
		return nil, err
	}
	if out.Truncated {
		slog.Warn("tree listing truncated by upstream", slog.String("repo", repo))
	}

	entries := make([]TreeEntry, 0, len(out.Tree))
	for _, e := range out.Tree {
		if e.Type != "blob" {
			continue
		}
		entries = append(entries, TreeEntry{Path: e.Path, BlobID: e.SHA})
	}
	return entries, nil
}

// FetchBlob returns the raw bytes of one blob.
func (c *Client) FetchBlob(ctx context.Context, repo, blobID string) ([]byte, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	path := "/repos/" + repo + "/git/blobs/" + url.PathEscape(blobID)
	if err := c.getJSON(ctx, repo, path, &out); err != nil {
		return nil, err
	}

	switch out.Encoding {
	case "base64":
		// GitHub wraps base64 payloads with newlines.
		cleaned := strings.ReplaceAll(out.Content, "\n", "")
		data, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, apperr.Parse("decode blob content", err)
		}
		return data, nil
	case "utf-8", "":
		return []byte(out.Content), nil
	default:
		return nil, apperr.Parse(fmt.Sprintf("unsupported blob encoding %q", out.Encoding), nil)
	}
}

// FetchRaw returns the raw file content at path and revision via the
// contents endpoint. Used as the fallback article fetcher.
func (c *Client) FetchRaw(ctx context.Context, repo, path, revision string) ([]byte, error) {
	reqPath := "/repos/" + repo + "/contents/" + escapePath(path)
	if revision != "" {
		reqPath += "?ref=" + url.QueryEscape(revision)
	}
	req, err := c.newRequest(ctx, repo, reqPath)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Timeout("github request failed", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func (c *Client) newRequest(ctx context.Context, repo, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, apperr.Internal("build github request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	token := c.token
	if token == "" && c.app != nil {
		owner, _, ok := strings.Cut(repo, "/")
		if !ok {
			return nil, apperr.Validation(fmt.Sprintf("malformed repo slug %q", repo))
		}
		installToken, err := c.app.installationToken(ctx, owner)
		if err != nil {
			return nil, err
		}
		token = installToken
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, repo, path string, out any) error {
	req, err := c.newRequest(ctx, repo, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Timeout("github request failed", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Parse("decode github response", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Auth(fmt.Sprintf("github rejected credentials (status %d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound("github resource not found")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Upstream(
			fmt.Sprintf("github returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
}
