// Package tokenfile handles reading and writing token files. A token file
// stores the gateway bearer token alongside the identity it was issued for
// (base URL and username), so a later CLI invocation can reuse it instead of
// logging in again. The gateway issues no refresh token and no expiry; a
// stored token is used until the gateway rejects it.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the tokens directory.
const DirPerms = 0o700

// Metadata keys written alongside the token.
const (
	MetaBaseURL  = "base_url"
	MetaUsername = "username"
)

// File is the on-disk format for token files.
type File struct {
	Token *oauth2.Token     `json:"token"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Load reads a saved token file from disk. Returns (nil, nil, nil) if the
// file does not exist.
func Load(path string) (*oauth2.Token, map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Token == nil || tf.Token.AccessToken == "" {
		return nil, nil, fmt.Errorf("tokenfile: %s missing token field (re-login required)", path)
	}

	return tf.Token, tf.Meta, nil
}

// Save writes a token file to disk atomically (write-to-temp + rename)
// with 0600 permissions. Never logs token values.
func Save(path string, tok *oauth2.Token, meta map[string]string) error {
	tf := File{Token: tok, Meta: meta}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the token file. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}

// Store persists the token of one (base URL, username) identity at a fixed
// path. A stored token issued for a different identity is ignored on load,
// so changing base_url or username in the config never reuses a stale token.
type Store struct {
	path string
	meta map[string]string
}

// NewStore returns a Store for the given identity.
func NewStore(path, baseURL, username string) *Store {
	return &Store{
		path: path,
		meta: map[string]string{
			MetaBaseURL:  baseURL,
			MetaUsername: username,
		},
	}
}

// Path returns the token file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored token, or nil if none is stored for this identity.
func (s *Store) Load() (*oauth2.Token, error) {
	tok, meta, err := Load(s.path)
	if err != nil || tok == nil {
		return nil, err
	}

	if meta[MetaBaseURL] != s.meta[MetaBaseURL] || meta[MetaUsername] != s.meta[MetaUsername] {
		return nil, nil //nolint:nilnil // token belongs to another identity
	}

	return tok, nil
}

// Save persists tok for this identity.
func (s *Store) Save(tok *oauth2.Token) error {
	return Save(s.path, tok, s.meta)
}

// Remove deletes the stored token.
func (s *Store) Remove() error {
	return Remove(s.path)
}
