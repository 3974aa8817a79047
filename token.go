package sortie

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Token Store
// ============================================================================

// TokenStore owns the access/refresh token pair. Save and Clear must be
// durable for persistent implementations; Load returns empty strings when no
// pair is stored.
type TokenStore interface {
	Save(accessToken, refreshToken string) error
	Load() (accessToken, refreshToken string, err error)
	Clear() error
}

// MemoryTokenStore keeps the token pair in memory only.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Save(accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = accessToken
	s.refresh = refreshToken
	return nil
}

func (s *MemoryTokenStore) Load() (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access, s.refresh, nil
}

func (s *MemoryTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = ""
	return nil
}

// ============================================================================
// File Token Store
// ============================================================================

type tokenFile struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
}

// FileTokenStore persists the token pair as a TOML file with 0600 perms.
// The pair is cached in memory after the first Load, so reads never touch
// the disk on the request path.
type FileTokenStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	pair   tokenFile
}

// NewFileTokenStore creates a store backed by the given file path. The
// parent directory is created on first Save.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (s *FileTokenStore) Save(accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cannot create token directory: %w", err)
	}
	pair := tokenFile{AccessToken: accessToken, RefreshToken: refreshToken}
	data, err := toml.Marshal(pair)
	if err != nil {
		return fmt.Errorf("cannot marshal tokens: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write tokens: %w", err)
	}
	s.pair = pair
	s.loaded = true
	return nil
}

func (s *FileTokenStore) Load() (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.pair.AccessToken, s.pair.RefreshToken, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return "", "", nil
		}
		return "", "", fmt.Errorf("cannot read tokens: %w", err)
	}
	var pair tokenFile
	if err := toml.Unmarshal(data, &pair); err != nil {
		return "", "", fmt.Errorf("cannot parse tokens: %w", err)
	}
	s.pair = pair
	s.loaded = true
	return pair.AccessToken, pair.RefreshToken, nil
}

func (s *FileTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pair = tokenFile{}
	s.loaded = true
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove tokens: %w", err)
	}
	return nil
}

// ============================================================================
// Token inspection
// ============================================================================

// tokenExpiry extracts the exp claim from a JWT access token without
// verifying the signature. Returns false for opaque or claimless tokens;
// those rely on the reactive 401 path instead of proactive refresh.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
