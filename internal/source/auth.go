package source

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/uselight/lightopedia/internal/apperr"
)

// appAuth mints installation access tokens from a GitHub App credential.
// Tokens are cached per owner until shortly before expiry.
type appAuth struct {
	appID   string
	keyPEM  string
	baseURL string
	http    *http.Client

	mu     sync.Mutex
	key    *rsa.PrivateKey
	tokens map[string]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

func newAppAuth(appID, keyPEM, baseURL string, client *http.Client) *appAuth {
	return &appAuth{
		appID:   appID,
		keyPEM:  keyPEM,
		baseURL: baseURL,
		http:    client,
		tokens:  make(map[string]cachedToken),
	}
}

// installationToken returns a token valid for repos owned by owner.
func (a *appAuth) installationToken(ctx context.Context, owner string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cached, ok := a.tokens[owner]; ok && time.Until(cached.expiresAt) > time.Minute {
		return cached.value, nil
	}

	appJWT, err := a.signJWT()
	if err != nil {
		return "", err
	}
	installationID, err := a.findInstallation(ctx, appJWT, owner)
	if err != nil {
		return "", err
	}
	token, expiresAt, err := a.createToken(ctx, appJWT, installationID)
	if err != nil {
		return "", err
	}

	a.tokens[owner] = cachedToken{value: token, expiresAt: expiresAt}
	return token, nil
}

// signJWT produces the short-lived App JWT used to call installation
// endpoints. Issued-at is backdated to absorb clock skew.
func (a *appAuth) signJWT() (string, error) {
	if a.key == nil {
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(a.keyPEM))
		if err != nil {
			return "", apperr.Auth("parse app private key", err)
		}
		a.key = key
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", apperr.Auth("sign app jwt", err)
	}
	return signed, nil
}

func (a *appAuth) findInstallation(ctx context.Context, appJWT, owner string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/app/installations", nil)
	if err != nil {
		return 0, apperr.Internal("build installations request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, apperr.Timeout("list installations failed", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	var installations []struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&installations); err != nil {
		return 0, apperr.Parse("decode installations response", err)
	}

	for _, inst := range installations {
		if strings.EqualFold(inst.Account.Login, owner) {
			return inst.ID, nil
		}
	}
	return 0, apperr.Auth(fmt.Sprintf("no app installation for owner %q", owner), nil)
}

func (a *appAuth) createToken(ctx context.Context, appJWT string, installationID int64) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return "", time.Time{}, apperr.Internal("build token request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", time.Time{}, apperr.Timeout("create installation token failed", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", time.Time{}, err
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, apperr.Parse("decode installation token response", err)
	}
	if out.Token == "" {
		return "", time.Time{}, apperr.Parse("installation token response missing token", nil)
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = time.Now().Add(time.Hour)
	}
	return out.Token, out.ExpiresAt, nil
}
