package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	tokenFilePerm = 0600
	tokenDirPerm  = 0700
)

// Credential holds the OAuth2 tokens for the cloud store. It never leaves
// this package other than by value; the TokenStore is the only writer of
// the backing file.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenStore persists a Credential to a single JSON file. Saves are atomic
// (write temp, rename over) so a crash mid-write can never leave a corrupt
// file behind.
type TokenStore struct {
	path   string
	margin time.Duration

	now func() time.Time
}

// NewTokenStore creates a store backed by path. margin is the safety window
// before expiry within which a credential is already considered stale.
func NewTokenStore(path string, margin time.Duration) *TokenStore {
	return &TokenStore{path: path, margin: margin, now: time.Now}
}

// Load reads the persisted credential. A missing file is not an error; it
// returns (nil, nil) so callers can distinguish "never logged in" from a
// broken file.
func (s *TokenStore) Load() (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}

	return &cred, nil
}

// Save persists the credential atomically. Failures are surfaced to the
// caller, not retried: authentication cannot proceed without durable
// storage, and the user must be told why.
func (s *TokenStore) Save(cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), tokenDirPerm); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, tokenFilePerm); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	return nil
}

// Clear removes the persisted credential (logout).
func (s *TokenStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}

	return nil
}

// Valid reports whether the access token is still usable: expiry must be
// more than the safety margin in the future.
func (s *TokenStore) Valid(cred *Credential) bool {
	if cred == nil || cred.AccessToken == "" {
		return false
	}

	return cred.ExpiresAt.After(s.now().Add(s.margin))
}
