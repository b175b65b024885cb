package entitlement

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "tiergate/internal/errors"
)

// Manager runs the local activation path: parse, verify, decode,
// persist. Activation is synchronous and never touches the network;
// the Reconciler handles everything remote.
type Manager struct {
	store    *Store
	verifier *SignatureVerifier
	metrics  *Metrics
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics attaches OpenTelemetry metrics to the manager.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over the given store and verifier. A nil
// verifier is allowed and makes every activation fail with
// ErrKeyNotConfigured; previously granted entitlements keep working.
func NewManager(store *Store, verifier *SignatureVerifier, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		verifier: verifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying entitlement store for read-side callers.
func (m *Manager) Store() *Store {
	return m.store
}

// Activate redeems a raw invite code. The whole path is local: token
// parsing, Ed25519 verification of the decoded payload bytes, claim
// decoding and the durable write all complete before returning.
// Re-activating the currently active code is a no-op returning the
// stored entitlement unchanged.
func (m *Manager) Activate(ctx context.Context, rawCode string) (ent *Entitlement, err error) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "entitlement.activate")
	defer span.End()

	start := m.now()
	defer func() {
		duration := m.now().Sub(start)
		m.metrics.RecordActivation(ctx, duration, err)
		span.SetAttributes(
			attribute.Float64("entitlement.duration_ms", float64(duration.Milliseconds())),
			attribute.Bool("entitlement.success", err == nil),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logAction(ctx, slog.LevelWarn, "entitlement_manager", "activation", "Invite code activation failed",
				slog.String("code_masked", maskInviteCode(rawCode)),
				slog.String("code_hash", hashInviteCode(rawCode)),
				slog.String("error", err.Error()),
				slog.String("error_code", apperrors.CodeForError(err)),
			)
		}
	}()

	token, err := ParseInviteCode(rawCode)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("entitlement.tier_hint", token.TierHint))

	if m.verifier == nil {
		return nil, apperrors.ErrKeyNotConfigured
	}
	if err = m.verifier.Verify(token.Payload, token.Signature); err != nil {
		return nil, err
	}

	claims, err := DecodeClaims(token.Payload)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if claims.CodeExpired(now) {
		err = apperrors.ErrExpiredCode
		return nil, err
	}

	tier := claims.GrantedTier()
	span.SetAttributes(attribute.String("entitlement.tier", string(tier)))

	current, err := m.store.Get()
	if err != nil {
		return nil, err
	}

	// Idempotence: the same code twice yields the same record, keeping
	// the original activation timestamp.
	if current.CodeID == claims.CodeID && current.Tier == tier {
		logAction(ctx, slog.LevelInfo, "entitlement_manager", "activation", "Invite code already active",
			slog.String("code_hash", hashInviteCode(rawCode)),
			slog.String("tier", string(tier)),
		)
		return current, nil
	}

	expiresAt := claims.TierExpiry(now)
	if err = m.store.Activate(tier, expiresAt, claims.CodeID, now); err != nil {
		return nil, err
	}

	ent, err = m.store.Get()
	if err != nil {
		return nil, err
	}

	attrs := []slog.Attr{
		slog.String("code_hash", hashInviteCode(rawCode)),
		slog.String("tier", string(tier)),
	}
	if expiresAt != nil {
		attrs = append(attrs, slog.String("expires_at", expiresAt.Format(time.RFC3339)))
	}
	logAction(ctx, slog.LevelInfo, "entitlement_manager", "activation", "Invite code activated", attrs...)

	span.SetStatus(codes.Ok, "activated")
	return ent, nil
}

// CanAccess gates a capability on the current effective tier, recording
// denials for diagnostics.
func (m *Manager) CanAccess(ctx context.Context, capability Capability) bool {
	tier := m.store.CurrentTier(m.now())
	if CanAccess(tier, capability) {
		return true
	}
	m.metrics.RecordGateDenial(ctx, tier, capability)
	return false
}
