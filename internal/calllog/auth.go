package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"callscribe/internal/retry"
	"callscribe/pkg/logger"
)

// defaultRefreshInterval is how long an access token is trusted before a
// proactive refresh, comfortably inside typical one-hour token lifetimes.
const defaultRefreshInterval = 50 * time.Minute

// TokenManager exchanges a JWT assertion for access tokens and refreshes
// them proactively so long runs never ride an expiring token into a 401.
type TokenManager struct {
	httpClient   *http.Client
	baseURL      string
	clientID     string
	clientSecret string
	jwt          string
	logger       *logger.Logger

	refreshInterval time.Duration

	mu          sync.Mutex
	accessToken string
	obtainedAt  time.Time
	refreshes   int
}

// NewTokenManager creates a token manager for the provider's OAuth
// endpoint.
func NewTokenManager(baseURL, clientID, clientSecret, jwt string, timeout time.Duration, log *logger.Logger) *TokenManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TokenManager{
		httpClient:      &http.Client{Timeout: timeout},
		baseURL:         strings.TrimRight(baseURL, "/"),
		clientID:        clientID,
		clientSecret:    clientSecret,
		jwt:             jwt,
		refreshInterval: defaultRefreshInterval,
		logger:          log.Named("calllog-auth"),
	}
}

// Token returns a valid access token, logging in or refreshing as needed.
func (t *TokenManager) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accessToken != "" && time.Since(t.obtainedAt) < t.refreshInterval {
		return t.accessToken, nil
	}
	if err := t.loginLocked(ctx); err != nil {
		return "", err
	}
	return t.accessToken, nil
}

// ForceRefresh discards the cached token and logs in again. Called after a
// 401 so the in-flight request can be retried once with a fresh token.
func (t *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.accessToken = ""
	if err := t.loginLocked(ctx); err != nil {
		return "", err
	}
	return t.accessToken, nil
}

// Refreshes returns how many token exchanges happened during the run.
func (t *TokenManager) Refreshes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshes
}

// loginLocked performs the JWT-bearer token exchange. Caller holds t.mu.
func (t *TokenManager) loginLocked(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", t.jwt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/restapi/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(t.clientID, t.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return retry.NewError(retry.KindTransient, fmt.Errorf("token request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.NewError(retry.KindTransient, fmt.Errorf("failed to read token response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return retry.StatusError(resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return retry.NewError(retry.KindPermanent, fmt.Errorf("failed to parse token response: %w", err))
	}
	if result.AccessToken == "" {
		return retry.Errorf(retry.KindPermanent, "token response missing access_token")
	}

	t.accessToken = result.AccessToken
	t.obtainedAt = time.Now()
	t.refreshes++

	// Trust the provider's lifetime when it is shorter than our default.
	if result.ExpiresIn > 0 {
		lifetime := time.Duration(result.ExpiresIn) * time.Second
		if lifetime < t.refreshInterval {
			t.refreshInterval = lifetime - lifetime/10
		}
	}

	t.logger.Info("Authenticated with telephony provider",
		logger.Int("token_refreshes", t.refreshes))

	return nil
}
