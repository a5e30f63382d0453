package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"callscribe/internal/ratelimit"
	"callscribe/internal/retry"
	"callscribe/pkg/logger"
)

const defaultPageSize = 1000

// Config holds the telephony client settings.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	JWT          string

	PageSize       int
	TimeoutSeconds int

	// MetadataIntervalMs is the minimum gap between call-log page fetches.
	MetadataIntervalMs int
	// MediaIntervalMs is the minimum gap between recording downloads.
	// Media endpoints are rate-limited more aggressively than metadata, so
	// this is the stricter of the two.
	MediaIntervalMs int
}

// Client talks to the telephony provider: paginated call-log fetches and
// per-recording content downloads. It owns the shared-resource interval
// limiters, so callers above it never issue calls faster than the provider
// tolerates regardless of worker count.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	pageSize    int
	tokens      *TokenManager
	metaLimiter *ratelimit.IntervalLimiter
	dlLimiter   *ratelimit.IntervalLimiter
	policy      retry.Policy
	logger      *logger.Logger
}

// NewClient creates a telephony client.
func NewClient(cfg Config, policy retry.Policy, log *logger.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	metaInterval := time.Duration(cfg.MetadataIntervalMs) * time.Millisecond
	if metaInterval <= 0 {
		metaInterval = time.Second
	}
	mediaInterval := time.Duration(cfg.MediaIntervalMs) * time.Millisecond
	if mediaInterval <= 0 {
		mediaInterval = 5 * time.Second
	}

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:    pageSize,
		tokens:      NewTokenManager(cfg.BaseURL, cfg.ClientID, cfg.ClientSecret, cfg.JWT, timeout, log),
		metaLimiter: ratelimit.NewInterval(metaInterval),
		dlLimiter:   ratelimit.NewInterval(mediaInterval),
		policy:      policy,
		logger:      log.Named("calllog"),
	}
}

// Authenticate performs the initial login. Failure here is fatal at
// startup rather than a per-job failure.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.tokens.Token(ctx)
	return err
}

// TokenRefreshes reports how many token exchanges happened during the run.
func (c *Client) TokenRefreshes() int { return c.tokens.Refreshes() }

// FetchPage returns one page of detailed call-log records for the range.
// The page token is the provider's page number; an empty next token means
// the listing is complete. Transient failures retry inline with backoff
// because page fetching happens before the scheduler's per-job state
// machine exists.
func (c *Client) FetchPage(ctx context.Context, dr DateRange, pageToken string) ([]Record, string, error) {
	page := 1
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, "", retry.Errorf(retry.KindPermanent, "malformed page token %q", pageToken)
		}
		page = parsed
	}

	query := url.Values{}
	query.Set("dateFrom", dr.From.UTC().Format("2006-01-02T15:04:05.000Z"))
	query.Set("dateTo", dr.To.UTC().Format("2006-01-02T15:04:05.000Z"))
	query.Set("type", "Voice")
	query.Set("view", "Detailed")
	query.Set("recordingType", "All")
	query.Set("perPage", strconv.Itoa(c.pageSize))
	query.Set("page", strconv.Itoa(page))

	endpoint := c.baseURL + "/restapi/v1.0/account/~/call-log?" + query.Encode()

	var parsed callLogResponse
	operation := func() error {
		if err := c.metaLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		body, err := c.doAuthorized(ctx, http.MethodGet, endpoint)
		if err != nil {
			if retry.KindOf(err) == retry.KindTransient {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(retry.NewError(retry.KindPermanent, fmt.Errorf("failed to parse call-log page: %w", err)))
		}
		return nil
	}
	if err := backoff.Retry(operation, c.policy.NewBackOff(ctx)); err != nil {
		return nil, "", fmt.Errorf("failed to fetch call-log page %d: %w", page, err)
	}

	records := make([]Record, 0, len(parsed.Records))
	for _, w := range parsed.Records {
		records = append(records, w.toRecord())
	}

	next := ""
	if parsed.Navigation.NextPage != nil && parsed.Navigation.NextPage.URI != "" {
		next = strconv.Itoa(page + 1)
	}

	c.logger.Info("Fetched call-log page",
		logger.Int("page", page),
		logger.Int("records", len(records)),
		logger.Bool("has_next", next != ""))

	return records, next, nil
}

// Fetch downloads one recording's bytes. Relative content URIs are
// resolved against the provider base URL.
func (c *Client) Fetch(ctx context.Context, contentURI string) ([]byte, error) {
	if err := c.dlLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := contentURI
	if strings.HasPrefix(endpoint, "/") {
		endpoint = c.baseURL + endpoint
	}

	body, err := c.doAuthorized(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to download recording: %w", err)
	}
	if len(body) == 0 {
		return nil, retry.Errorf(retry.KindTransient, "empty recording content")
	}
	return body, nil
}

// RefreshContentURI re-reads the recording's metadata to obtain a fresh
// content URI after the previous one expired.
func (c *Client) RefreshContentURI(ctx context.Context, recordingID string) (string, error) {
	if err := c.metaLimiter.Wait(ctx); err != nil {
		return "", err
	}

	endpoint := c.baseURL + "/restapi/v1.0/account/~/recording/" + url.PathEscape(recordingID)
	body, err := c.doAuthorized(ctx, http.MethodGet, endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to refresh recording metadata: %w", err)
	}

	var parsed struct {
		ContentURI string `json:"contentUri"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", retry.NewError(retry.KindPermanent, fmt.Errorf("failed to parse recording metadata: %w", err))
	}
	if parsed.ContentURI == "" {
		return "", retry.Errorf(retry.KindPermanent, "recording metadata missing contentUri")
	}
	return parsed.ContentURI, nil
}

// doAuthorized issues an authenticated request. A 401 response triggers a
// full re-authentication and exactly one retry of the in-flight call; the
// second 401 propagates as AuthExpired.
func (c *Client) doAuthorized(ctx context.Context, method, endpoint string) ([]byte, error) {
	refreshed := false
	for {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, retry.NewError(retry.KindTransient, fmt.Errorf("request failed: %w", err))
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, retry.NewError(retry.KindTransient, fmt.Errorf("failed to read response: %w", readErr))
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			c.logger.Warn("Token rejected, re-authenticating",
				logger.String("endpoint", req.URL.Path))
			if _, err := c.tokens.ForceRefresh(ctx); err != nil {
				return nil, err
			}
			refreshed = true
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, retry.StatusError(resp.StatusCode, string(body))
		}
		return body, nil
	}
}
