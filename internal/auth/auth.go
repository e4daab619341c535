// Package auth obtains and caches OAuth tokens for task-service accounts.
//
// Client secrets come from a Google "installed application" credentials
// file. Tokens are stored per account under <dir>/tokens/ and rewritten
// atomically whenever the access token is refreshed.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrNoToken is returned when an account has never been authorized.
var ErrNoToken = errors.New("account is not authorized")

// CredentialsFile is the default name of the client secrets file.
const CredentialsFile = "credentials.json"

// Manager reads client secrets and per-account tokens from one directory.
type Manager struct {
	dir    string
	scopes []string
	logger *log.Logger

	// CallbackAddr is where Authorize listens for the redirect.
	CallbackAddr string
}

// NewManager creates a Manager rooted at dir.
func NewManager(dir string, scopes []string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &Manager{dir: dir, scopes: scopes, logger: logger, CallbackAddr: "127.0.0.1:6789"}
}

// Config parses the client secrets file.
func (m *Manager) Config() (*oauth2.Config, error) {
	path := filepath.Join(m.dir, CredentialsFile)
	b, err := os.ReadFile(path) // #nosec G304 - config directory
	if err != nil {
		return nil, fmt.Errorf("failed to read client secrets %s: %w", path, err)
	}
	cfg, err := google.ConfigFromJSON(b, m.scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client secrets: %w", err)
	}
	return cfg, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._@+-]`)

// TokenPath returns the token file of an account.
func (m *Manager) TokenPath(account string) string {
	return filepath.Join(m.dir, "tokens", unsafeChars.ReplaceAllString(account, "_")+".json")
}

// LoadToken reads the cached token of an account.
func (m *Manager) LoadToken(account string) (*oauth2.Token, error) {
	b, err := os.ReadFile(m.TokenPath(account))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoToken, account)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, fmt.Errorf("failed to decode token of %s: %w", account, err)
	}
	return tok, nil
}

// SaveToken writes the token of an account atomically with owner-only
// permissions.
func (m *Manager) SaveToken(account string, tok *oauth2.Token) error {
	path := m.TokenPath(account)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	b, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	// atomic.WriteFile does not set permissions of new files
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to restrict token permissions: %w", err)
	}
	return nil
}

// Client returns an HTTP client authorized as account. Refreshed tokens
// are written back to the token file.
func (m *Manager) Client(ctx context.Context, account string) (*http.Client, error) {
	cfg, err := m.Config()
	if err != nil {
		return nil, err
	}
	tok, err := m.LoadToken(account)
	if err != nil {
		return nil, err
	}
	src := &savingTokenSource{
		src:     cfg.TokenSource(ctx, tok),
		current: tok,
		save:    func(t *oauth2.Token) error { return m.SaveToken(account, t) },
		logger:  m.logger,
	}
	return oauth2.NewClient(ctx, src), nil
}

// savingTokenSource persists tokens that differ from the last one seen.
type savingTokenSource struct {
	mu      sync.Mutex
	src     oauth2.TokenSource
	current *oauth2.Token
	save    func(*oauth2.Token) error
	logger  *log.Logger
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.AccessToken != t.AccessToken || s.current.RefreshToken != t.RefreshToken {
		s.current = t
		if err := s.save(t); err != nil {
			s.logger.Printf("WARNING: failed to persist refreshed token: %v", err)
		}
	}
	return t, nil
}

// Authorize runs the authorization code flow for account. It listens on
// CallbackAddr for the redirect, hands the consent URL to open and waits
// until ctx ends or the browser comes back.
func (m *Manager) Authorize(ctx context.Context, account string, open func(url string)) error {
	cfg, err := m.Config()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", m.CallbackAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.CallbackAddr, err)
	}
	defer listener.Close()
	cfg.RedirectURL = "http://" + listener.Addr().String() + "/oauth2callback"

	state := uuid.NewString()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("state") != state {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			}
			code := q.Get("code")
			if code == "" {
				http.Error(w, "authorization code not found", http.StatusBadRequest)
				errCh <- errors.New("authorization code not found in redirect")
				return
			}
			_, _ = fmt.Fprintln(w, "Authorization complete. You can close this window.")
			codeCh <- code
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("callback server: %w", err)
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	open(cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")))

	select {
	case code := <-codeCh:
		tok, err := cfg.Exchange(ctx, code)
		if err != nil {
			return fmt.Errorf("failed to exchange authorization code: %w", err)
		}
		if err := m.SaveToken(account, tok); err != nil {
			return err
		}
		m.logger.Printf("Authorized %s", account)
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("authorization aborted: %w", ctx.Err())
	}
}
