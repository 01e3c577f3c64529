package token

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/metrics"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// RefreshBuffer is how long before access-token expiry a refresh is forced.
const RefreshBuffer = 300 * time.Second

// refreshTokenLifetime is the provider's default sliding window for refresh
// tokens, recorded as rt_expires_at on every rotation.
const refreshTokenLifetime = 90 * 24 * time.Hour

// Credentials drive the browser-automation collaborator on first login.
type Credentials struct {
	Email         string
	Password      string
	RecoveryEmail string
	RecoveryPhone string
}

// Authenticator is the credential-capture collaborator. It walks the
// provider's login flow for the given authorization URL and returns the full
// redirect URL carrying the authorization code.
type Authenticator interface {
	Authorize(ctx context.Context, authURL string, creds Credentials) (string, error)
}

// Config holds token manager settings.
type Config struct {
	ClientID     string
	Tenant       string
	Scopes       []string
	RedirectPort int

	// Endpoint overrides the provider's OAuth endpoint. Tests point this at
	// a local fixture; production leaves it nil.
	Endpoint *oauth2.Endpoint
}

// Manager owns the per-group OAuth lifecycle: acquisition, cached refresh,
// rotation and revocation. Refreshes for the same group are serialized by a
// per-group mutex.
type Manager struct {
	store  *store.Store
	oauth  *oauth2.Config
	tenant string
	auth   Authenticator
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a token manager. auth may be nil when automation login
// is not wired (refresh and revoke still work).
func NewManager(st *store.Store, cfg Config, auth Authenticator) *Manager {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}

	endpoint := microsoft.AzureADEndpoint(tenant)
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}

	return &Manager{
		store: st,
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			Endpoint:    endpoint,
			Scopes:      cfg.Scopes,
			RedirectURL: fmt.Sprintf("http://localhost:%d", cfg.RedirectPort),
		},
		tenant: tenant,
		auth:   auth,
		logger: log.WithComponent("token"),
	}
}

// groupLock returns the mutex serializing refreshes for one group.
func (m *Manager) groupLock(groupID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := m.locks[groupID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[groupID] = lock
	}
	return lock
}

// AccessToken returns a valid access token for the group, refreshing it when
// it expires within the buffer. Concurrent calls for one group serialize, so
// a race produces a single refresh network call.
func (m *Manager) AccessToken(ctx context.Context, groupID string) (string, error) {
	lock := m.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.GetToken(ctx, groupID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("%w: group %s never logged in", types.ErrAuthRequired, groupID)
	}

	if time.Now().Add(RefreshBuffer).Unix() < rec.ATExpiresAt && rec.AccessToken != "" {
		return rec.AccessToken, nil
	}

	return m.refresh(ctx, rec)
}

// refresh rotates the token triple using the stored refresh token. The caller
// holds the group lock.
func (m *Manager) refresh(ctx context.Context, rec *types.TokenRecord) (string, error) {
	if rec.RefreshToken == "" {
		return "", fmt.Errorf("%w: group %s has no refresh token", types.ErrAuthRequired, rec.GroupID)
	}

	src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			if retrieveErr.ErrorCode == "invalid_grant" {
				metrics.TokenRefreshes.WithLabelValues("rt_expired").Inc()
				// The refresh token is dead. Clear the row so the failure
				// mode is unambiguous: relogin required.
				if delErr := m.store.DeleteToken(ctx, rec.GroupID); delErr != nil {
					m.logger.Error().Err(delErr).Str("group_id", rec.GroupID).
						Msg("Failed to clear expired token row")
				}
				return "", fmt.Errorf("%w: refresh token expired, relogin required", types.ErrAuthRequired)
			}
			// Any other structured error response: never overwrite the stored
			// refresh token, surface as provider trouble the caller may retry.
			metrics.TokenRefreshes.WithLabelValues("rejected").Inc()
			return "", fmt.Errorf("%w: refresh rejected (%s)", types.ErrAuthTransient, retrieveErr.ErrorCode)
		}
		metrics.TokenRefreshes.WithLabelValues("network").Inc()
		return "", fmt.Errorf("%w: %v", types.ErrAuthTransient, err)
	}

	if err := m.persist(ctx, rec.GroupID, tok, rec.RefreshToken); err != nil {
		return "", err
	}
	metrics.TokenRefreshes.WithLabelValues("success").Inc()

	m.logger.Debug().Str("group_id", rec.GroupID).Time("expires", tok.Expiry).Msg("Token refreshed")
	return tok.AccessToken, nil
}

// persist writes a rotated token triple. When the response omitted a new
// refresh token the previous one is retained.
func (m *Manager) persist(ctx context.Context, groupID string, tok *oauth2.Token, prevRefresh string) error {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = prevRefresh
	}

	idToken, _ := tok.Extra("id_token").(string)
	scope, _ := tok.Extra("scope").(string)

	rec := &types.TokenRecord{
		GroupID:      groupID,
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		IDToken:      idToken,
		ATExpiresAt:  tok.Expiry.Unix(),
		RTExpiresAt:  time.Now().Add(refreshTokenLifetime).Unix(),
		Scope:        scope,
		TenantID:     m.tenant,
		UpdatedAt:    types.UTCNow(),
	}
	if err := m.store.SaveToken(ctx, rec); err != nil {
		return err
	}
	return nil
}

// TokenSource returns a per-group token function for the provider client.
func (m *Manager) TokenSource(groupID string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return m.AccessToken(ctx, groupID)
	}
}

// AcquireResult reports an automation login outcome.
type AcquireResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// AcquireByAutomation exchanges credentials for an initial token through the
// browser-automation collaborator and stores the triple atomically.
func (m *Manager) AcquireByAutomation(ctx context.Context, groupID string, creds Credentials) (*AcquireResult, error) {
	if m.auth == nil {
		return &AcquireResult{OK: false, Reason: "automation collaborator not configured"}, nil
	}

	// A still-valid token short-circuits the flow.
	if _, err := m.AccessToken(ctx, groupID); err == nil {
		return &AcquireResult{OK: true, Reason: "already logged in"}, nil
	}

	authURL := m.oauth.AuthCodeURL(groupID, oauth2.AccessTypeOffline)

	redirectURL, err := m.auth.Authorize(ctx, authURL, creds)
	if err != nil {
		return &AcquireResult{OK: false, Reason: err.Error()}, nil
	}

	code, err := codeFromRedirect(redirectURL)
	if err != nil {
		return &AcquireResult{OK: false, Reason: err.Error()}, nil
	}

	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return &AcquireResult{OK: false, Reason: fmt.Sprintf("code exchange failed: %v", err)}, nil
	}

	if err := m.persist(ctx, groupID, tok, ""); err != nil {
		return nil, err
	}

	m.logger.Info().Str("group_id", groupID).Msg("Token acquired by automation")
	return &AcquireResult{OK: true}, nil
}

// Revoke deletes the group's token row. Subsequent operations fail until the
// group re-acquires a token.
func (m *Manager) Revoke(ctx context.Context, groupID string) error {
	lock := m.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()
	return m.store.DeleteToken(ctx, groupID)
}

// codeFromRedirect parses the authorization code out of the redirect URL the
// automation flow captured.
func codeFromRedirect(redirectURL string) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}
	if e := u.Query().Get("error"); e != "" {
		desc := u.Query().Get("error_description")
		return "", fmt.Errorf("authorization failed: %s: %s", e, strings.TrimSpace(desc))
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", errors.New("redirect URL carries no authorization code")
	}
	return code, nil
}
