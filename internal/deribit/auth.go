package deribit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Tokens issued by Deribit live ~23h; renew once inside this margin.
const refreshMargin = time.Hour

// TokenSource acquires and caches an OAuth2 access token via the exchange's
// client-credentials flow. A zero-credential source is "anonymous": Token
// always returns empty and Authenticated reports false, which keeps the
// collector's dynamic subscription manager idle.
//
// Renewal happens between WebSocket connections, never mid-connection: the
// collector asks for a token each time it dials.
type TokenSource struct {
	http   *resty.Client
	id     string
	secret string
	logger *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type authResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

type authResponse struct {
	Result authResult `json:"result"`
}

// NewTokenSource builds a source against the REST base URL. Empty id/secret
// yields an anonymous source.
func NewTokenSource(restURL, id, secret string, logger *slog.Logger) *TokenSource {
	httpClient := resty.New().
		SetBaseURL(restURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &TokenSource{
		http:   httpClient,
		id:     id,
		secret: secret,
		logger: logger.With("component", "deribit-auth"),
	}
}

// Authenticated reports whether credentials are configured.
func (ts *TokenSource) Authenticated() bool {
	return ts.id != "" && ts.secret != ""
}

// Token returns a bearer token valid for at least refreshMargin, fetching a
// fresh one when needed. Anonymous sources return "" and no error.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if !ts.Authenticated() {
		return "", nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Until(ts.expiresAt) > refreshMargin {
		return ts.token, nil
	}

	var result authResponse
	resp, err := ts.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     ts.id,
			"client_secret": ts.secret,
		}).
		SetResult(&result).
		Get("/public/auth")
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("auth: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Result.AccessToken == "" {
		return "", fmt.Errorf("auth: response carried no access_token")
	}

	ts.token = result.Result.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(result.Result.ExpiresIn) * time.Second)
	ts.logger.Info("access token acquired", "expires_in_s", result.Result.ExpiresIn)
	return ts.token, nil
}
