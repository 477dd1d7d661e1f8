package talentbridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// TokenStore holds the current session token. It is the single source every
// component reads; implementations must return the latest stored value on
// each call so that a refresh is observed immediately.
type TokenStore interface {
	// Token returns the stored token, or "" when there is none.
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// ============================================================================
// MemoryTokenStore
// ============================================================================

// MemoryTokenStore is a goroutine-safe in-memory token slot.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryTokenStore creates a memory store seeded with token (may be "").
func NewMemoryTokenStore(token string) *MemoryTokenStore {
	return &MemoryTokenStore{token: token}
}

func (s *MemoryTokenStore) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemoryTokenStore) SetToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryTokenStore) ClearToken(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// ============================================================================
// FileTokenStore
// ============================================================================

// sessionFile is the on-disk layout of a FileTokenStore.
type sessionFile struct {
	Token     string `toml:"token"`
	UpdatedAt string `toml:"updated_at,omitempty"`
}

// FileTokenStore keeps the token in a TOML file so it survives process
// restarts. The file is reread on every Token call.
type FileTokenStore struct {
	path string
	mu   sync.Mutex
}

// NewFileTokenStore returns a store backed by path. The file is created on
// the first SetToken.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// Path returns the backing file path.
func (s *FileTokenStore) Path() string { return s.path }

func (s *FileTokenStore) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("cannot read session file: %w", err)
	}
	var f sessionFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("cannot parse session file: %w", err)
	}
	return f.Token, nil
}

func (s *FileTokenStore) SetToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cannot create session directory: %w", err)
	}
	data, err := toml.Marshal(sessionFile{
		Token:     token,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("cannot marshal session file: %w", err)
	}

	// Write-then-rename so a concurrent reader never sees a torn file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cannot write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cannot replace session file: %w", err)
	}
	return nil
}

func (s *FileTokenStore) ClearToken(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove session file: %w", err)
	}
	return nil
}
