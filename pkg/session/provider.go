// Package session manages authenticated registry sessions: acquiring
// signing credentials and pooling them for reuse across search calls.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/wmtools/regresolve/pkg/ratelimit"
)

// Credentials is an opaque signing key and session token pair. Either
// field may be empty, in which case requests degrade to unsigned or
// unauthenticated calls.
type Credentials struct {
	SigningKey string
	Token      string
}

// Anonymous reports whether the credentials carry nothing usable.
func (c Credentials) Anonymous() bool {
	return c.SigningKey == "" && c.Token == ""
}

// Provider acquires fresh credentials. Implementations never fail hard:
// any acquisition problem yields zero-value Credentials and the caller
// degrades gracefully. Caching is the pool's responsibility, not the
// provider's.
type Provider interface {
	Fetch(ctx context.Context) Credentials
}

// initResponse is the registry session-initialization payload.
type initResponse struct {
	SignKey string `json:"sign_key"`
	Token   string `json:"token"`
}

// HTTPProvider fetches credentials from the registry initialization
// endpoint. Every Fetch performs one network call, gated by the
// credential-fetch class of the rate governor.
type HTTPProvider struct {
	httpClient *http.Client
	initURL    string
	governor   *ratelimit.Governor
	logger     zerolog.Logger
}

// NewHTTPProvider creates a provider for the given initialization URL.
func NewHTTPProvider(initURL string, governor *ratelimit.Governor, logger zerolog.Logger) *HTTPProvider {
	return &HTTPProvider{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		initURL:    initURL,
		governor:   governor,
		logger:     logger,
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (p *HTTPProvider) SetHTTPClient(client *http.Client) {
	p.httpClient = client
}

// Fetch performs one initialization call. Transport or parse failures
// are logged and reported as zero-value credentials; later rejections of
// unauthenticated requests surface as ordinary transport errors on the
// search path, where the retry layer handles them.
func (p *HTTPProvider) Fetch(ctx context.Context) Credentials {
	if err := p.governor.Wait(ctx, ratelimit.OpCredentialFetch); err != nil {
		p.logger.Warn().Err(err).Msg("Credential fetch aborted while waiting for governor turn")
		return Credentials{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.initURL, nil)
	if err != nil {
		p.logger.Error().Err(err).Str("url", p.initURL).Msg("Build init request failed")
		return Credentials{}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Init call failed - continuing unauthenticated")
		return Credentials{}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		p.governor.Report(ratelimit.OpCredentialFetch, ratelimit.OutcomeRateLimited)
		p.logger.Warn().Int("status", resp.StatusCode).Msg("Init call rate limited - continuing unauthenticated")
		return Credentials{}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn().Int("status", resp.StatusCode).Msg("Init call rejected - continuing unauthenticated")
		return Credentials{}
	}

	var body initResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		p.logger.Warn().Err(err).Msg("Init response malformed - continuing unauthenticated")
		return Credentials{}
	}

	p.governor.Report(ratelimit.OpCredentialFetch, ratelimit.OutcomeSuccess)
	p.logger.Debug().
		Bool("signed", body.SignKey != "").
		Bool("authenticated", body.Token != "").
		Msg("Credentials acquired")

	return Credentials{SigningKey: body.SignKey, Token: body.Token}
}
