package factsource

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AppAuth holds GitHub App installation credentials. App auth is preferred
// over personal tokens for long-running daemons: installation tokens rotate
// hourly and scope to a single installation.
type AppAuth struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	// APIBase overrides the token mint endpoint, used by tests.
	APIBase string
}

// appTransport injects a short-lived installation token into every request.
// Tokens are cached until shortly before expiry; minting is serialized.
type appTransport struct {
	auth *AppAuth
	key  *rsa.PrivateKey
	base http.RoundTripper

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newAppTransport(auth *AppAuth, base http.RoundTripper) (*appTransport, error) {
	pem, err := os.ReadFile(auth.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &appTransport{auth: auth, key: key, base: base}, nil
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.installationToken()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "token "+token)
	return t.base.RoundTrip(clone)
}

func (t *appTransport) installationToken() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" && time.Until(t.expires) > 2*time.Minute {
		return t.token, nil
	}

	appJWT, err := t.signAppJWT()
	if err != nil {
		return "", err
	}

	apiBase := t.auth.APIBase
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", apiBase, t.auth.InstallationID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return "", fmt.Errorf("failed to mint installation token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("installation token request returned %d: %s", resp.StatusCode, body)
	}

	var minted struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &minted); err != nil {
		return "", fmt.Errorf("failed to decode installation token: %w", err)
	}
	t.token = minted.Token
	t.expires = minted.ExpiresAt
	return t.token, nil
}

// signAppJWT produces the short-lived app JWT GitHub requires for the token
// mint call. Issued-at is backdated one minute to absorb clock skew.
func (t *appTransport) signAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", t.auth.AppID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}
