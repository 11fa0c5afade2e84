// Package auth manages OAuth2 credentials for pull sources: refreshing
// expired access tokens against the OAuth refresh proxy, persisting the
// result, and keeping both access and refresh tokens encrypted at rest.
// Refreshes go through the OAuth proxy (OAUTH_PROXY_URL) rather than each
// provider's own token endpoint, so this process never holds a provider
// client secret.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/infrastructure/cache"
	"github.com/virtues-os/core/infrastructure/crypto"
	svcerrors "github.com/virtues-os/core/infrastructure/errors"
	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/infrastructure/resilience"
)

// refreshSkew: a token within this window of expiry is treated as already
// expired so a sync never starts mid-call on a token that dies before the
// request completes.
const refreshSkew = 5 * time.Minute

// envelopeInfo ties token ciphertexts to their purpose, distinct from the
// archive object envelope's own info string, so the two can never be
// cross-decrypted even though they share the same master key.
const envelopeInfo = "oauth_token"

// TokenManager loads, refreshes and persists OAuth2 tokens for pull sources.
// A single instance is shared process-wide; singleflight collapses
// concurrent refreshes for the same source into one outbound call.
type TokenManager struct {
	sources   *database.SourceRepository
	cache     *cache.TokenCache
	masterKey []byte
	log       *logging.Logger
	sf        singleflight.Group

	proxyBaseURL string
	http         *http.Client
	breaker      *resilience.CircuitBreaker
}

func NewTokenManager(sources *database.SourceRepository, masterKey []byte, log *logging.Logger, proxyBaseURL string) *TokenManager {
	return &TokenManager{
		sources:      sources,
		cache:        cache.NewTokenCache(cache.CacheConfig{DefaultTTL: refreshSkew}),
		masterKey:    masterKey,
		log:          log,
		proxyBaseURL: proxyBaseURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		breaker:      resilience.New(resilience.DefaultServiceCBConfig(log)),
	}
}

// GetValidToken returns a bearer access token for sourceID, refreshing it
// against the OAuth proxy first if it is expired or within refreshSkew of
// expiring.
func (m *TokenManager) GetValidToken(ctx context.Context, sourceID, provider string) (string, error) {
	if cached, ok := m.cache.GetToken(sourceID); ok {
		if tok, ok := cached.(*oauth2.Token); ok && !needsRefresh(tok.Expiry) {
			return tok.AccessToken, nil
		}
	}

	src, err := m.sources.Get(ctx, sourceID)
	if err != nil {
		return "", fmt.Errorf("auth: load source: %w", err)
	}

	accessToken, err := m.decrypt(sourceID, src.AccessToken)
	if err != nil {
		return "", fmt.Errorf("auth: decrypt access token: %w", err)
	}
	refreshToken, err := m.decrypt(sourceID, src.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("auth: decrypt refresh token: %w", err)
	}

	var expiry time.Time
	if src.TokenExpiresAt != nil {
		expiry = *src.TokenExpiresAt
	}

	if !needsRefresh(expiry) {
		tok := &oauth2.Token{AccessToken: accessToken, RefreshToken: refreshToken, Expiry: expiry}
		m.cache.SetToken(sourceID, tok, time.Until(expiry))
		return accessToken, nil
	}

	return m.ForceRefresh(ctx, sourceID, provider)
}

// ForceRefresh unconditionally refreshes sourceID's token against the OAuth
// proxy, bypassing the expiry-skew check. Callers that observe a 401 from a
// provider whose token was still "fresh" by expiry (the provider revoked it
// early) use this to force a refresh regardless of what the stored
// expires_at claims.
func (m *TokenManager) ForceRefresh(ctx context.Context, sourceID, provider string) (string, error) {
	src, err := m.sources.Get(ctx, sourceID)
	if err != nil {
		return "", fmt.Errorf("auth: load source: %w", err)
	}
	refreshToken, err := m.decrypt(sourceID, src.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("auth: decrypt refresh token: %w", err)
	}

	result, err, _ := m.sf.Do(sourceID, func() (interface{}, error) {
		return m.refresh(ctx, sourceID, provider, refreshToken)
	})
	if err != nil {
		return "", err
	}
	tok := result.(*oauth2.Token)
	return tok.AccessToken, nil
}

// proxyRefreshRequest/-Response carry the OAuth refresh proxy contract:
// POST <OAUTH_PROXY_URL>/<provider>/refresh {"refresh_token"} ->
// {"access_token", "refresh_token"?, "expires_in"?, "token_type"?}.
type proxyRefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type proxyRefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (m *TokenManager) refresh(ctx context.Context, sourceID, provider, refreshToken string) (*oauth2.Token, error) {
	tok, err := m.refreshViaProxy(ctx, provider, refreshToken)
	if err != nil {
		_ = m.sources.MarkError(ctx, sourceID, err.Error())
		m.log.WithError(err).WithField("source_id", sourceID).Warn("oauth token refresh failed")
		return nil, err
	}

	encAccess, err := m.encrypt(sourceID, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("auth: encrypt access token: %w", err)
	}
	newRefresh := tok.RefreshToken
	encRefresh := ""
	if newRefresh != "" {
		encRefresh, err = m.encrypt(sourceID, newRefresh)
		if err != nil {
			return nil, fmt.Errorf("auth: encrypt refresh token: %w", err)
		}
	}

	expiry := tok.Expiry
	if err := m.sources.UpdateTokens(ctx, sourceID, encAccess, encRefresh, &expiry); err != nil {
		return nil, fmt.Errorf("auth: persist refreshed token: %w", err)
	}
	_ = m.sources.ClearError(ctx, sourceID)

	if newRefresh == "" {
		tok.RefreshToken = refreshToken
	}
	m.cache.SetToken(sourceID, tok, time.Until(tok.Expiry))
	return tok, nil
}

// refreshViaProxy routes the proxy call through a circuit breaker so a down
// proxy fails fast instead of stacking 30-second timeouts across every
// source that happens to need a refresh. A 401 is the proxy answering
// (reauth required), not the proxy failing, so it never trips the breaker.
func (m *TokenManager) refreshViaProxy(ctx context.Context, provider, refreshToken string) (*oauth2.Token, error) {
	var tok *oauth2.Token
	var reauthErr error
	err := m.breaker.Execute(ctx, func() error {
		var callErr error
		tok, callErr = m.callRefreshProxy(ctx, provider, refreshToken)
		if callErr != nil && svcerrors.IsServiceError(callErr) {
			reauthErr = callErr
			return nil
		}
		return callErr
	})
	if reauthErr != nil {
		return nil, reauthErr
	}
	if err != nil {
		return nil, fmt.Errorf("auth: oauth proxy: %w", err)
	}
	return tok, nil
}

// callRefreshProxy POSTs to <OAUTH_PROXY_URL>/<provider>/refresh. A 401
// response is the proxy's distinguished "refresh token is invalid, user must
// re-authenticate" signal and is never retried.
func (m *TokenManager) callRefreshProxy(ctx context.Context, provider, refreshToken string) (*oauth2.Token, error) {
	body, err := json.Marshal(proxyRefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("auth: encode refresh request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/refresh", m.proxyBaseURL, provider)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auth: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: oauth proxy request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auth: read oauth proxy response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, svcerrors.ReauthRequired(provider, fmt.Errorf("oauth proxy: refresh token invalid: %s", string(respBody)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("auth: oauth proxy returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out proxyRefreshResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("auth: decode oauth proxy response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("auth: oauth proxy response missing access_token")
	}

	tok := &oauth2.Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
	}
	if out.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// StoreInitial persists the tokens obtained from a completed OAuth2
// authorization-code exchange, encrypting both at rest.
func (m *TokenManager) StoreInitial(ctx context.Context, provider, name, accessToken, refreshToken string, expiresAt time.Time) (string, error) {
	id, err := m.sources.StoreInitial(ctx, provider, name, "", "", nil)
	if err != nil {
		return "", err
	}
	encAccess, err := m.encrypt(id, accessToken)
	if err != nil {
		return "", fmt.Errorf("auth: encrypt access token: %w", err)
	}
	encRefresh, err := m.encrypt(id, refreshToken)
	if err != nil {
		return "", fmt.Errorf("auth: encrypt refresh token: %w", err)
	}
	if err := m.sources.UpdateTokens(ctx, id, encAccess, encRefresh, &expiresAt); err != nil {
		return "", err
	}
	return id, nil
}

func (m *TokenManager) encrypt(sourceID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ct, err := crypto.EncryptEnvelope(m.masterKey, []byte(sourceID), envelopeInfo, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return string(ct), nil
}

func (m *TokenManager) decrypt(sourceID, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	pt, err := crypto.DecryptEnvelope(m.masterKey, []byte(sourceID), envelopeInfo, []byte(ciphertext))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func needsRefresh(expiry time.Time) bool {
	if expiry.IsZero() {
		return false
	}
	return !expiry.After(time.Now().Add(refreshSkew))
}
