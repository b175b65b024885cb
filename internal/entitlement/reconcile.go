package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	apperrors "tiergate/internal/errors"
)

// PushRequest is the payload of the post-activation notification to the
// remote authority.
type PushRequest struct {
	CodeID      string
	ClientID    string
	DeviceInfo  string
	Tier        Tier
	ActivatedAt time.Time
}

// Authority is the remote entitlement authority the reconciler talks
// to. Verify returns (false, nil) only for an explicit, authoritative
// "invalid"; every transport-layer problem must surface as an error so
// the caller can fail open.
type Authority interface {
	Sync(ctx context.Context, req PushRequest) error
	Verify(ctx context.Context, clientID, codeID string) (bool, error)
}

// PushResult reports the outcome of one fire-and-forget push for
// diagnostics. Consuming the Results channel is optional; sends never
// block.
type PushResult struct {
	CodeID   string
	Err      error
	Duration time.Duration
}

// Reconciler asynchronously agrees local entitlement state with the
// remote authority. Remote "invalid" clears the local grant
// (fail-closed); anything ambiguous leaves it untouched (fail-open),
// because the signature check already proved the code was legitimately
// issued.
type Reconciler struct {
	store      *Store
	authority  Authority
	clientID   string
	deviceInfo string
	metrics    *Metrics

	verifyTimeout time.Duration
	pushTimeout   time.Duration
	interval      time.Duration

	results  chan PushResult
	pushes   sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// ReconcilerConfig bounds the reconciler's network activity.
type ReconcilerConfig struct {
	ClientID      string
	DeviceInfo    string
	VerifyTimeout time.Duration
	PushTimeout   time.Duration
	Interval      time.Duration
}

// NewReconciler creates a reconciler. The authority may be nil when no
// backend is configured; pushes and verifications then become no-ops
// and locally verified entitlements simply stay as granted.
func NewReconciler(store *Store, authority Authority, cfg ReconcilerConfig, metrics *Metrics) *Reconciler {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 5 * time.Second
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &Reconciler{
		store:         store,
		authority:     authority,
		clientID:      cfg.ClientID,
		deviceInfo:    cfg.DeviceInfo,
		metrics:       metrics,
		verifyTimeout: cfg.VerifyTimeout,
		pushTimeout:   cfg.PushTimeout,
		interval:      cfg.Interval,
		results:       make(chan PushResult, 16),
		stop:          make(chan struct{}),
	}
}

// Results exposes push outcomes for diagnostics. The channel is
// buffered and never blocks the pushes themselves.
func (r *Reconciler) Results() <-chan PushResult {
	return r.results
}

// PushActivation notifies the authority of a fresh activation,
// at-most-once and best-effort. The spawned task is bounded by the push
// timeout and by ctx; failure never undoes the local activation.
func (r *Reconciler) PushActivation(ctx context.Context, ent *Entitlement) {
	if r.authority == nil || ent == nil || ent.CodeID == "" {
		return
	}

	req := PushRequest{
		CodeID:     ent.CodeID,
		ClientID:   r.clientID,
		DeviceInfo: r.deviceInfo,
		Tier:       ent.Tier,
	}
	if ent.ActivatedAt != nil {
		req.ActivatedAt = *ent.ActivatedAt
	}

	r.pushes.Add(1)
	go func() {
		defer r.pushes.Done()

		// Detached from the caller's (often request-scoped) context but
		// still bounded by the push timeout and process shutdown.
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.pushTimeout)
		defer cancel()
		go func() {
			select {
			case <-r.stop:
				cancel()
			case <-pushCtx.Done():
			}
		}()

		start := time.Now()
		err := r.authority.Sync(pushCtx, req)
		duration := time.Since(start)
		r.metrics.RecordPush(pushCtx, duration, err)

		if err != nil {
			logAction(pushCtx, slog.LevelWarn, "reconciler", "push", "Activation push failed",
				slog.String("code_hash", hashInviteCode(ent.CodeID)),
				slog.String("error", err.Error()),
			)
		} else {
			logAction(pushCtx, slog.LevelDebug, "reconciler", "push", "Activation pushed",
				slog.String("code_hash", hashInviteCode(ent.CodeID)),
			)
		}

		select {
		case r.results <- PushResult{CodeID: ent.CodeID, Err: err, Duration: duration}:
		default:
		}
	}()
}

// VerifyOnce re-validates the current entitlement against the
// authority. Exactly three outcomes:
//
//   - authoritative "invalid": the grant is cleared (fail-closed)
//   - authoritative "valid": no-op
//   - timeout or transport error: no-op, returns a NetworkError the
//     caller may log but must not surface to users
//
// When the cached tier is free, or no code id was stored, there is
// nothing to verify and the check is skipped silently.
func (r *Reconciler) VerifyOnce(ctx context.Context) error {
	if r.authority == nil {
		return nil
	}

	ent, err := r.store.Get()
	if err != nil {
		return err
	}
	if ent.Tier == TierFree {
		return nil
	}
	if ent.CodeID == "" {
		logAction(ctx, slog.LevelDebug, "reconciler", "verify", "No stored code id, skipping verification")
		return nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, r.verifyTimeout)
	defer cancel()

	start := time.Now()
	valid, err := r.authority.Verify(verifyCtx, r.clientID, ent.CodeID)
	duration := time.Since(start)

	if err != nil {
		// Fail-open: the locally verified signature stands in the
		// absence of contradicting evidence.
		r.metrics.RecordVerify(ctx, duration, "unreachable")
		logAction(ctx, slog.LevelWarn, "reconciler", "verify", "Verification unreachable, keeping entitlement",
			slog.String("code_hash", hashInviteCode(ent.CodeID)),
			slog.String("tier", string(ent.Tier)),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, apperrors.ErrNetwork) {
			return err
		}
		return errors.Join(apperrors.ErrNetwork, err)
	}

	if !valid {
		// Fail-closed: only an authoritative "no" downgrades access.
		r.metrics.RecordVerify(ctx, duration, "invalid")
		logAction(ctx, slog.LevelWarn, "reconciler", "verify", "Entitlement revoked by server",
			slog.String("code_hash", hashInviteCode(ent.CodeID)),
			slog.String("tier", string(ent.Tier)),
		)
		if err := r.store.Clear(); err != nil {
			return err
		}
		return nil
	}

	r.metrics.RecordVerify(ctx, duration, "valid")
	logAction(ctx, slog.LevelDebug, "reconciler", "verify", "Entitlement confirmed",
		slog.String("code_hash", hashInviteCode(ent.CodeID)),
		slog.String("tier", string(ent.Tier)),
	)
	return nil
}

// Run verifies once at startup and then periodically with jitter until
// ctx is cancelled. Verification errors are logged, never fatal.
// Outstanding pushes are drained before returning.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.pushes.Wait()
	defer r.stopOnce.Do(func() { close(r.stop) })

	if err := r.VerifyOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logAction(ctx, slog.LevelDebug, "reconciler", "startup_verify", "Startup verification did not complete",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.nextInterval()):
			if err := r.VerifyOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logAction(ctx, slog.LevelDebug, "reconciler", "periodic_verify", "Periodic verification did not complete",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// nextInterval jitters the verification cadence by up to 10% so a fleet
// of clients does not re-verify in lockstep.
func (r *Reconciler) nextInterval() time.Duration {
	window := int64(r.interval) / 10
	if window <= 0 {
		return r.interval
	}
	return r.interval + time.Duration(rand.Int63n(window))
}
