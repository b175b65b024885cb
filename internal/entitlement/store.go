package entitlement

import (
	"fmt"
	"sync"
	"time"
)

// KeyValueStore is the persistence capability supplied by the host
// application. GetString returns the empty string with a nil error when
// a key has never been written.
type KeyValueStore interface {
	GetString(key string) (string, error)
	SetString(key, value string) error
}

// Keys the store maps entitlement fields onto. Timestamps are stored as
// RFC 3339 strings.
const (
	keyTier        = "entitlement.tier"
	keyCodeID      = "entitlement.code_id"
	keyExpiresAt   = "entitlement.expires_at"
	keyActivatedAt = "entitlement.activated_at"
)

// Entitlement is the persisted record of the client's current grant.
// A missing record reads as the free tier.
type Entitlement struct {
	Tier        Tier       `json:"tier"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CodeID      string     `json:"code_id,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ClientID    string     `json:"client_id"`
}

// Expired reports whether the granted tier's expiry has passed.
// A nil expiry never expires.
func (e *Entitlement) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// EffectiveTier is the tier callers should gate on: the stored tier,
// degraded to free once its expiry has passed. Read-only, the stored
// record is never mutated by queries.
func (e *Entitlement) EffectiveTier(now time.Time) Tier {
	if e.Expired(now) {
		return TierFree
	}
	return e.Tier
}

// Store is the durable record of the granted tier backed by a
// caller-supplied KeyValueStore. Reads are served from an in-memory
// cache populated on first access and refreshed on every mutation.
// Mutations are serialized on a single lock.
type Store struct {
	kv       KeyValueStore
	clientID string

	mu     sync.RWMutex
	cached *Entitlement

	// writeMu serializes Activate/Clear so partial writes from two
	// concurrent activations can never interleave.
	writeMu sync.Mutex
}

// NewStore creates a store over the given backend. The client id is
// fixed for the installation's lifetime and echoed on every read.
func NewStore(kv KeyValueStore, clientID string) *Store {
	return &Store{kv: kv, clientID: clientID}
}

// Get returns a copy of the current entitlement, loading it from the
// backend on first access.
func (s *Store) Get() (*Entitlement, error) {
	s.mu.RLock()
	if s.cached != nil {
		ent := *s.cached
		s.mu.RUnlock()
		return &ent, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		ent, err := s.load()
		if err != nil {
			return nil, err
		}
		s.cached = ent
	}
	ent := *s.cached
	return &ent, nil
}

// CurrentTier returns the effective tier for gating, free when the
// record is missing, unreadable or expired.
func (s *Store) CurrentTier(now time.Time) Tier {
	ent, err := s.Get()
	if err != nil {
		return TierFree
	}
	return ent.EffectiveTier(now)
}

// Activate persists a new grant. All fields of one activation are
// written together; tier is written last so a crash mid-write leaves
// the previous fully-consistent tier visible instead of a tier with
// missing expiry or code id.
func (s *Store) Activate(tier Tier, expiresAt *time.Time, codeID string, activatedAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.kv.SetString(keyActivatedAt, activatedAt.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to persist activation time: %w", err)
	}
	if err := s.kv.SetString(keyCodeID, codeID); err != nil {
		return fmt.Errorf("failed to persist code id: %w", err)
	}
	expiry := ""
	if expiresAt != nil {
		expiry = expiresAt.UTC().Format(time.RFC3339)
	}
	if err := s.kv.SetString(keyExpiresAt, expiry); err != nil {
		return fmt.Errorf("failed to persist expiry: %w", err)
	}
	if err := s.kv.SetString(keyTier, string(tier)); err != nil {
		return fmt.Errorf("failed to persist tier: %w", err)
	}

	activated := activatedAt.UTC()
	ent := &Entitlement{
		Tier:        tier,
		CodeID:      codeID,
		ActivatedAt: &activated,
		ClientID:    s.clientID,
	}
	if expiresAt != nil {
		exp := expiresAt.UTC()
		ent.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.cached = ent
	s.mu.Unlock()
	return nil
}

// Clear resets the record to the free tier. Triggered only by an
// explicit authority-side invalidation. Tier is written first here so
// a crash mid-clear still revokes access.
func (s *Store) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.kv.SetString(keyTier, string(TierFree)); err != nil {
		return fmt.Errorf("failed to reset tier: %w", err)
	}
	if err := s.kv.SetString(keyCodeID, ""); err != nil {
		return fmt.Errorf("failed to clear code id: %w", err)
	}
	if err := s.kv.SetString(keyExpiresAt, ""); err != nil {
		return fmt.Errorf("failed to clear expiry: %w", err)
	}
	if err := s.kv.SetString(keyActivatedAt, ""); err != nil {
		return fmt.Errorf("failed to clear activation time: %w", err)
	}

	s.mu.Lock()
	s.cached = &Entitlement{Tier: TierFree, ClientID: s.clientID}
	s.mu.Unlock()
	return nil
}

// load reads the record from the backend. Unparseable timestamps are
// dropped rather than failing the whole read; the tier itself already
// degrades safely through ParseTier.
func (s *Store) load() (*Entitlement, error) {
	tierValue, err := s.kv.GetString(keyTier)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier: %w", err)
	}

	ent := &Entitlement{
		Tier:     ParseTier(tierValue),
		ClientID: s.clientID,
	}
	if ent.Tier == TierFree {
		return ent, nil
	}

	codeID, err := s.kv.GetString(keyCodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read code id: %w", err)
	}
	ent.CodeID = codeID

	if raw, err := s.kv.GetString(keyExpiresAt); err == nil && raw != "" {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			ent.ExpiresAt = &t
		}
	}
	if raw, err := s.kv.GetString(keyActivatedAt); err == nil && raw != "" {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			ent.ActivatedAt = &t
		}
	}

	return ent, nil
}
