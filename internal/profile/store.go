// Package profile persists acquisition profiles as JSON files.
//
// A profile is the reusable part of a run: which project/screen/sku was
// targeted and the session cookie that got it. Writes use atomic file
// replacement (write to .tmp, then rename) so a crash mid-save never leaves
// a torn file. When the store is opened with a passphrase, the cookie field
// is wrapped with AES-GCM before it touches disk.
package profile

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Profile is one saved target + session combination.
type Profile struct {
	Name      string    `json:"name"`
	ProjectID int64     `json:"project_id"`
	ScreenID  int64     `json:"screen_id"`
	SkuID     int64     `json:"sku_id"`
	Cookie    string    `json:"cookie,omitempty"` // sealed when the store has a key
	SavedAt   time.Time `json:"saved_at"`
}

// Store persists profiles to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	key []byte // 32-byte AES key derived from the passphrase; nil = plaintext
	mu  sync.Mutex
}

// Open creates a store backed by the given directory. A non-empty
// passphrase turns on at-rest sealing of the cookie field.
func Open(dir, passphrase string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	s := &Store{dir: dir}
	if passphrase != "" {
		sum := sha256.Sum256([]byte(passphrase))
		s.key = sum[:]
	}
	return s, nil
}

// Save atomically persists a profile under its name.
func (s *Store) Save(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.SavedAt.IsZero() {
		p.SavedAt = time.Now()
	}
	if s.key != nil && p.Cookie != "" {
		sealed, err := s.seal(p.Cookie)
		if err != nil {
			return fmt.Errorf("seal cookie: %w", err)
		}
		p.Cookie = sealed
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	path := s.path(p.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores a profile by name. Returns nil, nil if it does not exist.
func (s *Store) Load(name string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	if s.key != nil && p.Cookie != "" {
		plain, err := s.open(p.Cookie)
		if err != nil {
			return nil, fmt.Errorf("unseal cookie: %w", err)
		}
		p.Cookie = plain
	}
	return &p, nil
}

// List returns the names of all saved profiles.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "profile_") && strings.HasSuffix(name, ".json") {
			names = append(names, strings.TrimSuffix(strings.TrimPrefix(name, "profile_"), ".json"))
		}
	}
	return names, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, "profile_"+name+".json")
}

// seal encrypts with AES-GCM, nonce prefixed, base64 encoded.
func (s *Store) seal(plain string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Store) open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("sealed blob too short")
	}
	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
