package emapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// tokenTypeBearer is the token type attached to every authorized request.
const tokenTypeBearer = "Bearer"

// maxLoginBody caps the login response body.
const maxLoginBody = 64 * 1024

// Credentials are the username and password used for every login exchange.
type Credentials struct {
	Username string
	Password string
}

// TokenStore persists the session token between processes. Defined at the
// consumer; tokenfile.Store is the real implementation.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
	Remove() error
}

// Session holds the single bearer token of one gateway identity and the
// means to obtain a new one. All access goes through a mutex, so at most one
// login exchange is in flight and concurrent callers see the same token.
//
// The gateway reports no expiry; a token is valid until a request comes back
// 401, at which point the transport asks the session to refresh.
type Session struct {
	mu     sync.Mutex
	token  *oauth2.Token
	loaded bool // store consulted

	creds      Credentials
	loginURL   string
	httpClient *http.Client
	store      TokenStore // nil = in-memory only
	logger     *slog.Logger
}

// NewSession creates an empty session. baseURL is the gateway root (for
// example "http://gateway:80/"). store may be nil.
func NewSession(baseURL string, creds Credentials, httpClient *http.Client, store TokenStore, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Session{
		creds:      creds,
		loginURL:   normalizeBaseURL(baseURL) + pathAuth,
		httpClient: httpClient,
		store:      store,
		logger:     logger,
	}
}

// Authenticate performs a login exchange and stores the resulting token.
// Failures carry the gateway's reason and are never retried here.
func (s *Session) Authenticate(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.loginLocked(ctx)
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

// Token returns the token currently held in memory, if any.
func (s *Session) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		return "", false
	}

	return s.token.AccessToken, true
}

// Invalidate clears the held token and its persisted copy.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidateLocked()
}

// ensure returns the held token, loading it from the store or logging in
// when there is none. Without a password there is nothing to log in with and
// ErrNoCredentials is returned instead of sending a login the gateway must
// reject.
func (s *Session) ensure(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil {
		return s.token, nil
	}

	if tok := s.loadStoredLocked(); tok != nil {
		s.token = tok
		return tok, nil
	}

	if s.creds.Password == "" {
		return nil, ErrNoCredentials
	}

	s.logger.Info("no session token, logging in")

	return s.loginLocked(ctx)
}

// refresh replaces a token the gateway rejected. If another caller already
// replaced it, the newer token is returned without a second login.
func (s *Session) refresh(ctx context.Context, rejected *oauth2.Token) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil && rejected != nil && s.token.AccessToken != rejected.AccessToken {
		s.logger.Debug("session token already refreshed by a concurrent request")
		return s.token, nil
	}

	s.invalidateLocked()

	if s.creds.Password == "" {
		s.logger.Info("session token rejected and no password to log in again")
		return nil, ErrNoCredentials
	}

	s.logger.Info("session token rejected, logging in again")

	return s.loginLocked(ctx)
}

func (s *Session) invalidateLocked() {
	s.token = nil
	s.loaded = true

	if s.store == nil {
		return
	}

	if err := s.store.Remove(); err != nil {
		s.logger.Warn("failed to remove persisted token", slog.String("error", err.Error()))
	}
}

func (s *Session) loadStoredLocked() *oauth2.Token {
	if s.loaded || s.store == nil {
		return nil
	}

	s.loaded = true

	tok, err := s.store.Load()
	if err != nil {
		s.logger.Warn("ignoring unreadable persisted token", slog.String("error", err.Error()))
		return nil
	}

	if tok != nil {
		s.logger.Debug("loaded persisted session token")
	}

	return tok
}

// loginResponse mirrors the gateway auth/ JSON response.
type loginResponse struct {
	Access string `json:"access"`
	Detail string `json:"detail"`
}

// loginLocked posts the credentials and stores the token on success.
func (s *Session) loginLocked(ctx context.Context) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("username", s.creds.Username)
	form.Set("password", s.creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("emapi: creating login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &AuthError{Detail: err.Error(), Cause: fmt.Errorf("%w: %w", ErrTransport, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLoginBody))
	if err != nil {
		return nil, &AuthError{StatusCode: resp.StatusCode, Detail: "reading login response", Cause: err}
	}

	var lr loginResponse
	decodeErr := json.Unmarshal(body, &lr)

	if resp.StatusCode != http.StatusOK {
		detail := lr.Detail
		if decodeErr != nil || detail == "" {
			detail = strings.TrimSpace(string(body))
		}

		s.logger.Warn("login rejected",
			slog.String("username", s.creds.Username),
			slog.Int("status", resp.StatusCode),
			slog.String("detail", detail),
		)

		return nil, &AuthError{StatusCode: resp.StatusCode, Detail: detail}
	}

	if decodeErr != nil || lr.Access == "" {
		return nil, &AuthError{StatusCode: resp.StatusCode, Detail: "login response has no access token"}
	}

	tok := &oauth2.Token{AccessToken: lr.Access, TokenType: tokenTypeBearer}
	s.token = tok
	s.loaded = true

	s.logger.Info("access token acquired", slog.String("username", s.creds.Username))

	if s.store != nil {
		if err := s.store.Save(tok); err != nil {
			s.logger.Warn("failed to persist session token", slog.String("error", err.Error()))
		}
	}

	return tok, nil
}
