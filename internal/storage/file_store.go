// Package storage provides the default persistence backend for the
// entitlement store: a single JSON state file with an HMAC integrity
// signature.
package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// ErrStateTampered is returned when the state file's signature does not
// match its contents.
var ErrStateTampered = errors.New("state file signature mismatch")

// stateSecret seeds the HKDF derivation of the signing key. This is a
// tamper-evidence measure, not a tamper-proof one; the trust boundary
// for the entitlement itself is the invite code's Ed25519 signature.
const stateSecret = "tiergate-state-secret-2026"

// stateFile is the on-disk format.
type stateFile struct {
	Values    map[string]string `json:"values"`
	Signature string            `json:"signature"`
}

// FileStore is a KeyValueStore backed by one JSON file. Writes are
// atomic (temp file plus rename) and the whole value map is signed with
// HMAC-SHA256 under an HKDF-derived key.
type FileStore struct {
	path    string
	hmacKey []byte

	mu     sync.Mutex
	values map[string]string
}

// NewFileStore opens or creates the state file at path. A file with a
// bad signature fails with ErrStateTampered rather than silently
// resetting, so operators see what happened.
func NewFileStore(path string) (*FileStore, error) {
	key, err := deriveKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive state signing key: %w", err)
	}

	s := &FileStore{
		path:    path,
		hmacKey: key,
		values:  make(map[string]string),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// GetString returns the stored value, or "" when the key was never set.
func (s *FileStore) GetString(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

// SetString stores the value and persists the whole state file.
func (s *FileStore) SetString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.values[key]
	s.values[key] = value
	if err := s.persist(); err != nil {
		if existed {
			s.values[key] = previous
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	expected := s.sign(state.Values)
	if !hmac.Equal([]byte(state.Signature), []byte(expected)) {
		return fmt.Errorf("%w: %s", ErrStateTampered, s.path)
	}

	if state.Values != nil {
		s.values = state.Values
	}
	return nil
}

func (s *FileStore) persist() error {
	state := stateFile{
		Values:    s.values,
		Signature: s.sign(s.values),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state file: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// sign computes the HMAC over a canonical serialization of the value
// map: sorted key=value lines.
func (s *FileStore) sign(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values[k])
		b.WriteByte('\n')
	}

	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte(b.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// deriveKey expands the state secret into a 32-byte signing key.
func deriveKey() ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(stateSecret), nil, []byte("tiergate-state-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
