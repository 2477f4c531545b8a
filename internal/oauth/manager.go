// Package oauth implements the authorization-code-with-PKCE flow against
// Google's OAuth endpoints and keeps the resulting credentials fresh.
// Access tokens live in memory only; the refresh token is persisted through
// the token store layers.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/state"
	"github.com/rezkam/calsync/internal/tokenstore"
)

const (
	// DefaultScope covers event read/write on the user's calendars.
	DefaultScope = "https://www.googleapis.com/auth/calendar.events"

	revokeEndpoint = "https://oauth2.googleapis.com/revoke"

	stateTTL    = 10 * time.Minute
	refreshSkew = 5 * time.Minute
	stateBytes  = 16
)

// Config is the static OAuth client setup.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string

	// RememberPassphrase persists the encryption passphrase alongside the
	// state document. Off by default; the passphrase then lives only in
	// process memory.
	RememberPassphrase bool
}

// Manager drives the PKCE flow, refreshes access tokens, and persists the
// refresh token encrypted. Safe for concurrent use by the callback handler
// and the sync run.
type Manager struct {
	cfg       Config
	store     state.Store
	logger    *slog.Logger
	endpoint  oauth2.Endpoint
	revokeURL string

	mu          sync.Mutex
	token       *oauth2.Token
	redirectURI string
	passphrase  string

	pendingState string
	stateIssued  time.Time
	verifier     string
}

// NewManager creates a manager and loads any persisted refresh token.
func NewManager(ctx context.Context, cfg Config, store state.Store, logger *slog.Logger) (*Manager, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{DefaultScope}
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{cfg: cfg, store: store, logger: logger, endpoint: google.Endpoint, revokeURL: revokeEndpoint}
	if err := m.loadPersisted(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// SetRedirectURI installs the loopback redirect once the server has bound
// its port.
func (m *Manager) SetRedirectURI(uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirectURI = uri
}

// SetPassphrase caches the encryption passphrase for this process. With
// RememberPassphrase set it is also persisted on the next token write.
func (m *Manager) SetPassphrase(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passphrase = p
}

// HasCredentials reports whether a refresh token is available.
func (m *Manager) HasCredentials() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != nil && m.token.RefreshToken != ""
}

// Mode returns the display label for how tokens are stored at rest.
func (m *Manager) Mode(ctx context.Context) string {
	doc, err := m.loadDoc(ctx)
	if err != nil {
		return tokenstore.ModeMemoryOnly
	}
	return tokenstore.Mode(doc.TokensEncrypted)
}

func (m *Manager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		Scopes:       m.cfg.Scopes,
		Endpoint:     m.endpoint,
		RedirectURL:  m.redirectURI,
	}
}

// BeginAuth starts a PKCE flow and returns the authorization URL for the
// caller to open in a browser.
func (m *Manager) BeginAuth(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redirectURI == "" {
		return "", fmt.Errorf("redirect URI not configured; start the callback server first")
	}

	raw := make([]byte, stateBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	m.pendingState = hex.EncodeToString(raw)
	m.stateIssued = time.Now()
	m.verifier = oauth2.GenerateVerifier()

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(m.verifier),
	}
	// Force the consent screen only when we have no refresh token yet;
	// otherwise Google may omit one from the exchange.
	if m.token == nil || m.token.RefreshToken == "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}

	url := m.oauthConfig().AuthCodeURL(m.pendingState, opts...)
	m.logger.InfoContext(ctx, "authorization flow started", "redirect_uri", m.redirectURI)
	return url, nil
}

// HandleCallback consumes the query of the loopback redirect: validates
// state, exchanges the code, and persists the merged credentials.
func (m *Manager) HandleCallback(ctx context.Context, query url.Values) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.pendingState == "":
		return fmt.Errorf("no authorization flow in progress")
	case query.Get("state") != m.pendingState:
		return fmt.Errorf("authorization state mismatch")
	case time.Since(m.stateIssued) > stateTTL:
		m.clearPendingLocked()
		return fmt.Errorf("authorization flow expired; start again")
	}

	if errParam := query.Get("error"); errParam != "" {
		m.clearPendingLocked()
		return fmt.Errorf("authorization failed: %s", errParam)
	}
	code := query.Get("code")
	if code == "" {
		m.clearPendingLocked()
		return fmt.Errorf("authorization response carried no code")
	}

	tok, err := m.oauthConfig().Exchange(ctx, code, oauth2.VerifierOption(m.verifier))
	m.clearPendingLocked()
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	m.mergeTokenLocked(tok)
	if err := m.persistLocked(ctx); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "authorization complete", "expires", tok.Expiry)
	return nil
}

func (m *Manager) clearPendingLocked() {
	m.pendingState = ""
	m.verifier = ""
	m.stateIssued = time.Time{}
}

// mergeTokenLocked adopts a new token while preserving the prior refresh
// token when the server returned none.
func (m *Manager) mergeTokenLocked(tok *oauth2.Token) {
	if tok.RefreshToken == "" && m.token != nil {
		tok.RefreshToken = m.token.RefreshToken
	}
	m.token = tok
}

// AccessToken returns a bearer token valid for at least the refresh skew,
// refreshing first when needed. Implements the batch executor's token
// provider.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx); err != nil {
		return "", err
	}
	return m.token.AccessToken, nil
}

// Client returns an HTTP client that injects fresh bearer tokens via this
// manager, so refresh-token rotation is always observed and persisted.
func (m *Manager) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, managerSource{ctx: ctx, m: m})
}

type managerSource struct {
	ctx context.Context
	m   *Manager
}

func (s managerSource) Token() (*oauth2.Token, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.ensureLocked(s.ctx); err != nil {
		return nil, err
	}
	return s.m.token, nil
}

func (m *Manager) ensureLocked(ctx context.Context) error {
	if m.token != nil && m.token.AccessToken != "" && time.Until(m.token.Expiry) > refreshSkew {
		return nil
	}
	if m.token == nil || m.token.RefreshToken == "" {
		return domain.ErrReauthRequired
	}

	src := m.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: m.token.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			// The grant is dead; keeping the token would loop forever.
			m.token = nil
			if clearErr := m.clearPersistedLocked(ctx); clearErr != nil {
				m.logger.ErrorContext(ctx, "failed to clear revoked credentials", "error", clearErr)
			}
			return domain.ErrReauthRequired
		}
		return fmt.Errorf("failed to refresh access token: %w", err)
	}

	rotated := fresh.RefreshToken != "" && fresh.RefreshToken != m.token.RefreshToken
	m.mergeTokenLocked(fresh)
	if rotated {
		if err := m.persistLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Revoke invalidates the grant server-side and clears stored credentials.
// The server call failing does not keep the local credentials alive.
func (m *Manager) Revoke(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var revokeErr error
	if m.token != nil {
		tok := m.token.RefreshToken
		if tok == "" {
			tok = m.token.AccessToken
		}
		if tok != "" {
			revokeErr = m.revokeRemote(ctx, tok)
		}
	}

	m.token = nil
	if err := m.clearPersistedLocked(ctx); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "credentials revoked")
	return revokeErr
}

func (m *Manager) revokeRemote(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call revocation endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Persistence. The document holds only the encrypted refresh token; the
// plaintext never leaves process memory.

func (m *Manager) loadDoc(ctx context.Context) (*state.Document, error) {
	doc, err := m.store.Load(ctx)
	if errors.Is(err, domain.ErrStateNotFound) {
		return state.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return doc, nil
}

func (m *Manager) loadPersisted(ctx context.Context) error {
	doc, err := m.loadDoc(ctx)
	if err != nil {
		return err
	}
	if doc.EncryptionPassphrase != "" && m.passphrase == "" {
		m.passphrase = doc.EncryptionPassphrase
	}
	if doc.TokensEncrypted == "" {
		return nil
	}

	codec := tokenstore.NewCodec(doc.ObfuscationSalt)
	refresh, err := codec.Decode(doc.TokensEncrypted, m.passphrase)
	if errors.Is(err, tokenstore.ErrPassphraseRequired) {
		m.logger.WarnContext(ctx, "stored tokens are passphrase-protected; re-run with the passphrase")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to decrypt stored tokens: %w", err)
	}

	m.token = &oauth2.Token{RefreshToken: refresh}
	return nil
}

func (m *Manager) persistLocked(ctx context.Context) error {
	if m.token == nil || m.token.RefreshToken == "" {
		return m.clearPersistedLocked(ctx)
	}

	doc, err := m.loadDoc(ctx)
	if err != nil {
		return err
	}
	if doc.ObfuscationSalt == "" {
		salt, err := tokenstore.NewSalt()
		if err != nil {
			return err
		}
		doc.ObfuscationSalt = salt
	}

	codec := tokenstore.NewCodec(doc.ObfuscationSalt)
	encoded, err := codec.Encode(m.token.RefreshToken, m.passphrase)
	if err != nil {
		return fmt.Errorf("failed to encrypt tokens: %w", err)
	}
	doc.TokensEncrypted = encoded
	if m.cfg.RememberPassphrase {
		doc.EncryptionPassphrase = m.passphrase
	} else {
		doc.EncryptionPassphrase = ""
	}

	if err := m.store.Save(ctx, doc); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	return nil
}

func (m *Manager) clearPersistedLocked(ctx context.Context) error {
	doc, err := m.loadDoc(ctx)
	if err != nil {
		return err
	}
	doc.TokensEncrypted = ""
	doc.EncryptionPassphrase = ""
	if err := m.store.Save(ctx, doc); err != nil {
		return fmt.Errorf("failed to persist cleared tokens: %w", err)
	}
	return nil
}
