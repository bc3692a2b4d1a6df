// Package fs provides file system based session and account stores for multiauth.
package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/panyam/multiauth"
)

// FSSessionStore stores the signed in session as a JSON file on the filesystem
type FSSessionStore struct {
	mu   sync.RWMutex
	path string
}

// sessionFile is the JSON structure stored on disk
type sessionFile struct {
	Session *multiauth.Session `json:"session"`
	SavedAt time.Time          `json:"saved_at"`
}

// NewFSSessionStore creates a new FS-based session store.
// If path is empty, defaults to ~/.config/<appName>/session.json
func NewFSSessionStore(path string, appName string) (*FSSessionStore, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "multiauth"
		}
		path = filepath.Join(configDir, appName, "session.json")
	}
	return &FSSessionStore{path: path}, nil
}

// LoadSession reads the session from disk
func (s *FSSessionStore) LoadSession() (*multiauth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if file.Session == nil || file.Session.UserID == "" {
		return nil, nil
	}
	return file.Session, nil
}

// SaveSession persists the session to disk with owner-only permissions
func (s *FSSessionStore) SaveSession(session *multiauth.Session) error {
	if session == nil {
		return s.ClearSession()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(sessionFile{Session: session, SavedAt: time.Now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	return writeAtomicFile(s.path, data)
}

// ClearSession removes the session file
func (s *FSSessionStore) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// Path returns the path to the session file
func (s *FSSessionStore) Path() string {
	return s.path
}

// writeAtomicFile writes data to a file atomically by writing to a temp file first
func writeAtomicFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
