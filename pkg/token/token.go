// Package token persists the marketplace session tokens in a small TOML
// file and lets long-running commands react to out-of-process changes.
// The file plays the role a browser's localStorage plays for the web
// client: an absent or empty access token means "unauthenticated".
package token

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type fileBody struct {
	Token        string `toml:"token"`
	RefreshToken string `toml:"refresh_token"`
}

// Store reads and writes the token file. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the token file location.
func (s *Store) Path() string {
	return s.path
}

// Token returns the access token, or "" when absent. Read errors are
// treated as "unauthenticated" rather than surfaced; a missing file is the
// normal logged-out state.
func (s *Store) Token() string {
	body, _ := s.read()
	return body.Token
}

// RefreshToken returns the refresh token, or "" when absent.
func (s *Store) RefreshToken() string {
	body, _ := s.read()
	return body.RefreshToken
}

// SetTokens atomically replaces both tokens. The file is written with 0600
// since it holds credentials.
func (s *Store) SetTokens(accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	data, err := toml.Marshal(fileBody{Token: accessToken, RefreshToken: refreshToken})
	if err != nil {
		return fmt.Errorf("marshaling tokens: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}

// Clear removes the token file, returning the store to the logged-out
// state. Removing an already-absent file is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}

func (s *Store) read() (fileBody, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body fileBody
	data, err := os.ReadFile(s.path)
	if err != nil {
		return body, err
	}
	if err := toml.Unmarshal(data, &body); err != nil {
		return fileBody{}, err
	}
	return body, nil
}
