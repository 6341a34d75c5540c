package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// credentialStore abstracts the two storage scopes: durable (survives the
// process, used for remember-me) and session-scoped (in-memory).
type credentialStore interface {
	Load() *Credential
	Save(cred *Credential) error
	Clear()
}

// memStore is the session-scoped store; it dies with the process.
type memStore struct {
	mu   sync.Mutex
	cred *Credential
}

func (s *memStore) Load() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

func (s *memStore) Save(cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	return nil
}

func (s *memStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
}

// fileStore is the durable store: one JSON file under the state directory,
// written atomically via temp file + rename.
type fileStore struct {
	mu   sync.Mutex
	path string
}

func newFileStore(stateDir string) *fileStore {
	return &fileStore{path: filepath.Join(stateDir, "credentials.json")}
}

func (s *fileStore) Load() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		// Corrupt file: treat as absent.
		return nil
	}
	return &cred
}

func (s *fileStore) Save(cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(s.path), fmt.Sprintf(".credentials.tmp.%s", uuid.New().String()))
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *fileStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = os.Remove(s.path)
}
