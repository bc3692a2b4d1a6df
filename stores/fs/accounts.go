package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/panyam/multiauth/backend/memory"
)

// FSAccountStore implements memory.AccountStore using filesystem storage.
//
// Each account is stored as a separate file named after its user id:
//
//	{StoragePath}/
//	└── accounts/
//	    ├── 6f1c...e2.json   # {"user_id": "6f1c...e2", "email": "jane@example.com", ...}
//	    └── ...
//
// Writes go to a temp file that is renamed into place, so a crash never
// leaves a partial record behind. Password hashes are stored, so files are
// created owner-only.
type FSAccountStore struct {
	StoragePath string

	mu sync.Mutex
}

// NewFSAccountStore creates a new filesystem-backed account store
func NewFSAccountStore(storagePath string) *FSAccountStore {
	return &FSAccountStore{StoragePath: storagePath}
}

func (s *FSAccountStore) dir() string {
	return filepath.Join(s.StoragePath, "accounts")
}

func (s *FSAccountStore) accountPath(userID string) string {
	return filepath.Join(s.dir(), userID+".json")
}

// LoadAccounts reads every account record. A missing directory means no accounts.
func (s *FSAccountStore) LoadAccounts() ([]*memory.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*memory.Account
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		acct, err := s.readAccount(filepath.Join(s.dir(), e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

func (s *FSAccountStore) readAccount(path string) (*memory.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var acct memory.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("failed to parse account %s: %w", filepath.Base(path), err)
	}
	if acct.UserID == "" {
		return nil, fmt.Errorf("account %s has no user id", filepath.Base(path))
	}
	return &acct, nil
}

// SaveAccount writes the account record atomically
func (s *FSAccountStore) SaveAccount(acct *memory.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("account has no user id")
	}
	if strings.ContainsAny(acct.UserID, `/\`) {
		return fmt.Errorf("invalid user id %q", acct.UserID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir(), 0700); err != nil {
		return fmt.Errorf("failed to create accounts directory: %w", err)
	}
	data, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomicFile(s.accountPath(acct.UserID), data)
}
