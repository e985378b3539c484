package source

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uselight/lightopedia/internal/apperr"
)

func newTokenClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(Config{BaseURL: srv.URL, Token: "ghp_test"}), srv
}

func TestDefaultBranch(t *testing.T) {
	client, srv := newTokenClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/uselight/help-center", r.URL.Path)
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"default_branch": "main"})
	})
	defer srv.Close()

	branch, err := client.DefaultBranch(context.Background(), "uselight/help-center")
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestListTreeFiltersNonBlobs(t *testing.T) {
	client, srv := newTokenClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/uselight/help-center/git/trees/abc123", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tree": []map[string]any{
				{"path": "docs", "type": "tree", "sha": "t1"},
				{"path": "docs/billing.md", "type": "blob", "sha": "b1"},
				{"path": "README.md", "type": "blob", "sha": "b2"},
			},
		})
	})
	defer srv.Close()

	entries, err := client.ListTree(context.Background(), "uselight/help-center", "abc123")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, TreeEntry{Path: "docs/billing.md", BlobID: "b1"}, entries[0])
}

func TestFetchBlobDecodesBase64(t *testing.T) {
	content := "# Billing\n\nInvoices are monthly."
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	// GitHub inserts newlines into long base64 payloads.
	wrapped := encoded[:10] + "\n" + encoded[10:]

	client, srv := newTokenClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/uselight/help-center/git/blobs/b1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"content": wrapped, "encoding": "base64"})
	})
	defer srv.Close()

	data, err := client.FetchBlob(context.Background(), "uselight/help-center", "b1")
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestFetchRaw(t *testing.T) {
	client, srv := newTokenClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/uselight/help-center/contents/docs/billing.md", r.URL.Path)
		assert.Equal(t, "abc123", r.URL.Query().Get("ref"))
		assert.Equal(t, "application/vnd.github.raw+json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte("raw markdown"))
	})
	defer srv.Close()

	data, err := client.FetchRaw(context.Background(), "uselight/help-center", "docs/billing.md", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "raw markdown", string(data))
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   apperr.Kind
	}{
		{http.StatusUnauthorized, apperr.KindAuth},
		{http.StatusForbidden, apperr.KindAuth},
		{http.StatusNotFound, apperr.KindNotFound},
		{http.StatusBadGateway, apperr.KindUpstreamFailure},
	}
	for _, tt := range tests {
		client, srv := newTokenClient(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		_, err := client.DefaultBranch(context.Background(), "uselight/help-center")
		srv.Close()
		require.Error(t, err)
		assert.Equal(t, tt.kind, apperr.KindOf(err), "status %d", tt.status)
	}
}

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func TestAppAuthMintsAndCachesInstallationToken(t *testing.T) {
	var tokenMints atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/app/installations":
			auth := r.Header.Get("Authorization")
			assert.True(t, strings.HasPrefix(auth, "Bearer ey"), "expected app jwt, got %q", auth)
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"id": 7, "account": map[string]any{"login": "uselight"}},
				{"id": 9, "account": map[string]any{"login": "other"}},
			})
		case r.URL.Path == "/app/installations/7/access_tokens":
			tokenMints.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":      "ghs_installation",
				"expires_at": "2099-01-01T00:00:00Z",
			})
		case r.URL.Path == "/repos/uselight/help-center":
			assert.Equal(t, "Bearer ghs_installation", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{"default_branch": "main"})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(Config{
		BaseURL:       srv.URL,
		AppID:         "314159",
		AppPrivateKey: testKeyPEM(t),
	})

	for i := 0; i < 2; i++ {
		branch, err := client.DefaultBranch(context.Background(), "uselight/help-center")
		require.NoError(t, err)
		assert.Equal(t, "main", branch)
	}
	assert.Equal(t, int32(1), tokenMints.Load(), "second request must reuse the cached token")
}

func TestAppAuthNoInstallationForOwner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	client := NewClient(Config{
		BaseURL:       srv.URL,
		AppID:         "314159",
		AppPrivateKey: testKeyPEM(t),
	})
	_, err := client.DefaultBranch(context.Background(), "uselight/help-center")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
}
