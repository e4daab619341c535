package auth

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/oauth2"
)

const credentials = `{
  "installed": {
    "client_id": "id.apps.googleusercontent.com",
    "client_secret": "secret",
    "auth_uri": "https://accounts.google.com/o/oauth2/auth",
    "token_uri": "https://oauth2.googleapis.com/token",
    "redirect_uris": ["http://localhost"]
  }
}`

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), []string{"https://www.googleapis.com/auth/tasks"}, log.New(io.Discard, "", 0))
}

func TestConfig(t *testing.T) {
	m := testManager(t)
	if _, err := m.Config(); err == nil {
		t.Fatal("expected an error without a credentials file")
	}

	if err := os.WriteFile(filepath.Join(m.dir, CredentialsFile), []byte(credentials), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := m.Config()
	if err != nil {
		t.Fatalf("Config() failed: %v", err)
	}
	if cfg.ClientID != "id.apps.googleusercontent.com" || len(cfg.Scopes) != 1 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	m := testManager(t)

	if _, err := m.LoadToken("me@example.com"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}

	want := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Expiry: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := m.SaveToken("me@example.com", want); err != nil {
		t.Fatalf("SaveToken() failed: %v", err)
	}
	got, err := m.LoadToken("me@example.com")
	if err != nil {
		t.Fatalf("LoadToken() failed: %v", err)
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(oauth2.Token{})); diff != "" {
		t.Errorf("token mismatch (-want +got):\n%s", diff)
	}

	info, err := os.Stat(m.TokenPath("me@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("token permissions = %o, want 600", perm)
	}
}

func TestTokenPath_SanitizesAccount(t *testing.T) {
	m := testManager(t)
	got := m.TokenPath("../../etc/passwd")
	if filepath.Dir(got) != filepath.Join(m.dir, "tokens") {
		t.Errorf("token path escapes the token directory: %s", got)
	}
}

type sequenceSource struct {
	tokens []*oauth2.Token
	i      int
}

func (s *sequenceSource) Token() (*oauth2.Token, error) {
	t := s.tokens[s.i]
	if s.i < len(s.tokens)-1 {
		s.i++
	}
	return t, nil
}

func TestSavingTokenSource_PersistsRefreshes(t *testing.T) {
	first := &oauth2.Token{AccessToken: "a1", RefreshToken: "r"}
	refreshed := &oauth2.Token{AccessToken: "a2", RefreshToken: "r"}

	var saved []string
	src := &savingTokenSource{
		src:     &sequenceSource{tokens: []*oauth2.Token{first, first, refreshed, refreshed}},
		current: first,
		save:    func(t *oauth2.Token) error { saved = append(saved, t.AccessToken); return nil },
		logger:  log.New(io.Discard, "", 0),
	}
	for i := 0; i < 4; i++ {
		if _, err := src.Token(); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"a2"}, saved); diff != "" {
		t.Errorf("saved tokens mismatch (-want +got):\n%s", diff)
	}
}
