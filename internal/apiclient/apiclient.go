// Package apiclient implements C3: the signed-HTTPS client every logical
// marketplace API call goes through, with transparent token refresh and
// bounded retry on expiry (spec.md §4.3).
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/adred-codev/resale-agent/internal/ids"
	"github.com/adred-codev/resale-agent/internal/store"
)

// tokenExpiryMarkers flags a response as a token-expiry failure that should
// trigger a forced refresh and retry, as distinct from the notifier's
// benign-expiry suppression list (spec.md §4.3 step 5).
var tokenExpiryMarkers = []string{
	"FAIL_SYS_TOKEN_EXPIRED",
	"FAIL_SYS_TOKEN_EXOIRED",
	"令牌过期",
	"Session过期",
}

func isTokenExpiry(msg string) bool {
	for _, m := range tokenExpiryMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// envelope is the shape of every marketplace API response this client
// recognizes: a ret array of status strings and a free-form data payload.
type envelope struct {
	Ret  []string        `json:"ret"`
	Data json.RawMessage `json:"data"`
}

func (e envelope) ok() bool {
	for _, r := range e.Ret {
		if strings.HasPrefix(r, "SUCCESS") {
			return true
		}
	}
	return false
}

func (e envelope) failureMessage() string {
	return strings.Join(e.Ret, ",")
}

// TokenState holds the access token and refresh bookkeeping for one account.
// Owned exclusively by the account's Client — no cross-account sharing.
type TokenState struct {
	mu              sync.Mutex
	current         string
	lastRefreshedAt time.Time
}

// RefreshFunc performs the login-token exchange and returns a new token.
// Supplied by the caller (C4) because token acquisition depends on the
// session's device id and cookie, which this package does not own.
type RefreshFunc func(ctx context.Context) (token string, err error)

// Client is the per-account signed API client (C3).
type Client struct {
	http    *resty.Client
	store   *store.Store
	logger  zerolog.Logger
	account string

	refreshInterval time.Duration
	maxRetries      int
	retryWait       time.Duration

	tokens  *TokenState
	refresh RefreshFunc

	onTokenHealth func(accountID, message string) // wired to notifier.NotifyTokenHealth
}

// Config bundles the tunables from the ambient config layer.
type Config struct {
	BaseURL         string
	CallTimeout     time.Duration
	MaxRetries      int
	RetryWait       time.Duration
	RefreshInterval time.Duration
}

// New constructs a Client for one account. refresh is invoked whenever the
// current token is missing, stale, or rejected as expired.
func New(cfg Config, accountID string, st *store.Store, refresh RefreshFunc, onTokenHealth func(accountID, message string), logger zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.CallTimeout).
		SetHeader("Content-Type", "application/x-www-form-urlencoded")

	return &Client{
		http:            httpClient,
		store:           st,
		logger:          logger.With().Str("account_id", accountID).Logger(),
		account:         accountID,
		refreshInterval: cfg.RefreshInterval,
		maxRetries:      cfg.MaxRetries,
		retryWait:       cfg.RetryWait,
		tokens:          &TokenState{},
		refresh:         refresh,
		onTokenHealth:   onTokenHealth,
	}
}

// CurrentToken returns the cached token, refreshing first if missing or
// older than the configured refresh interval (spec.md §4.3 step 1).
func (c *Client) CurrentToken(ctx context.Context) (string, error) {
	c.tokens.mu.Lock()
	stale := c.tokens.current == "" || time.Since(c.tokens.lastRefreshedAt) >= c.refreshInterval
	c.tokens.mu.Unlock()

	if stale {
		if err := c.RefreshToken(ctx); err != nil {
			return "", err
		}
	}
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()
	return c.tokens.current, nil
}

// RefreshToken forces a token exchange and resets the refresh clock.
func (c *Client) RefreshToken(ctx context.Context) error {
	token, err := c.refresh(ctx)
	if err != nil {
		if !isTokenExpiry(err.Error()) {
			c.notifyTokenHealth(err.Error())
		}
		return fmt.Errorf("refresh token: %w", err)
	}
	c.tokens.mu.Lock()
	c.tokens.current = token
	c.tokens.lastRefreshedAt = time.Now()
	c.tokens.mu.Unlock()
	return nil
}

func (c *Client) notifyTokenHealth(message string) {
	if c.onTokenHealth != nil {
		c.onTokenHealth(c.account, message)
	}
}

// Call performs one signed API request: it builds timestamp/sign params,
// posts with the account's cookie, and on token-expiry failures
// force-refreshes and retries up to maxRetries times (spec.md §4.3).
func (c *Client) Call(ctx context.Context, apiName string, body map[string]string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		data, err := encodeBody(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}

		token, err := c.CurrentToken(ctx)
		if err != nil {
			return nil, err
		}

		acct, err := c.store.GetAccount(c.account)
		if err != nil {
			return nil, fmt.Errorf("load account cookie: %w", err)
		}

		env, setCookie, err := c.post(ctx, apiName, token, data, acct.CookieBlob)
		if err != nil {
			lastErr = err
			continue
		}
		if setCookie != "" {
			if err := c.store.SaveCookie(c.account, mergeCookie(acct.CookieBlob, setCookie), ""); err != nil {
				c.logger.Warn().Err(err).Msg("failed to persist refreshed cookie")
			}
		}

		if env.ok() {
			return env.Data, nil
		}

		msg := env.failureMessage()
		lastErr = fmt.Errorf("api %s failed: %s", apiName, msg)

		if !isTokenExpiry(msg) {
			c.notifyTokenHealth(msg)
			return nil, lastErr
		}

		if err := c.RefreshToken(ctx); err != nil {
			lastErr = err
		}
		time.Sleep(c.retryWait)
	}
	return nil, fmt.Errorf("api %s: exhausted %d retries: %w", apiName, c.maxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, apiName, token string, data, cookie string) (envelope, string, error) {
	ts := time.Now().UnixMilli()
	sign := ids.Sign(ts, token, data)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Cookie", cookie).
		SetQueryParams(map[string]string{
			"t":    strconv.FormatInt(ts, 10),
			"sign": sign,
			"v":    "1.0",
			"api":  apiName,
		}).
		SetBody(data).
		Post("/api/" + apiName)
	if err != nil {
		return envelope{}, "", fmt.Errorf("post %s: %w", apiName, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return envelope{}, "", fmt.Errorf("post %s: status %d", apiName, resp.StatusCode())
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return envelope{}, "", fmt.Errorf("decode response: %w", err)
	}
	return env, resp.Header().Get("Set-Cookie"), nil
}

// encodeBody JSON-encodes a string map for use as the signature input.
// json.Marshal emits map keys in sorted order, so the same logical body
// always encodes the same way and sign(...) is reproducible.
func encodeBody(body map[string]string) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// mergeCookie folds a Set-Cookie header value into the existing cookie
// blob, overwriting any same-named attribute while preserving the rest.
func mergeCookie(existing, setCookie string) string {
	parts := strings.SplitN(setCookie, ";", 2)
	newPair := strings.TrimSpace(parts[0])
	eq := strings.IndexByte(newPair, '=')
	if eq < 0 {
		return existing
	}
	name := newPair[:eq]

	segments := strings.Split(existing, ";")
	merged := segments[:0]
	replaced := false
	for _, seg := range segments {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, name+"=") {
			merged = append(merged, newPair)
			replaced = true
			continue
		}
		merged = append(merged, trimmed)
	}
	if !replaced {
		merged = append(merged, newPair)
	}
	return strings.Join(merged, "; ")
}
