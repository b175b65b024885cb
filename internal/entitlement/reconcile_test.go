package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tiergate/internal/errors"
)

// fakeAuthority scripts the remote authority's answers and records
// every call it receives.
type fakeAuthority struct {
	mu          sync.Mutex
	syncCalls   []PushRequest
	verifyCalls int

	syncErr   error
	verifyOK  bool
	verifyErr error
}

func (f *fakeAuthority) Sync(ctx context.Context, req PushRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls = append(f.syncCalls, req)
	return f.syncErr
}

func (f *fakeAuthority) Verify(ctx context.Context, clientID, codeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return f.verifyOK, f.verifyErr
}

func (f *fakeAuthority) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.syncCalls)
}

func activatedStore(t *testing.T, tier Tier, codeID string) *Store {
	t.Helper()
	store := NewStore(newMemKV(), "client-1")
	require.NoError(t, store.Activate(tier, nil, codeID, time.Now()))
	return store
}

func TestVerifyOnceConfirmedKeepsEntitlement(t *testing.T) {
	store := activatedStore(t, TierPlus, "code-1")
	authority := &fakeAuthority{verifyOK: true}
	r := NewReconciler(store, authority, ReconcilerConfig{ClientID: "client-1"}, nil)

	require.NoError(t, r.VerifyOnce(context.Background()))
	assert.Equal(t, TierPlus, store.CurrentTier(time.Now()))
	assert.Equal(t, 1, authority.verifyCalls)
}

func TestVerifyOnceRevokedClearsEntitlement(t *testing.T) {
	store := activatedStore(t, TierPlus, "code-1")
	authority := &fakeAuthority{verifyOK: false}
	r := NewReconciler(store, authority, ReconcilerConfig{ClientID: "client-1"}, nil)

	require.NoError(t, r.VerifyOnce(context.Background()))

	ent, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, TierFree, ent.Tier)
	assert.Empty(t, ent.CodeID)
}

func TestVerifyOnceUnreachableFailsOpen(t *testing.T) {
	store := activatedStore(t, TierPlus, "code-1")
	authority := &fakeAuthority{verifyErr: errors.New("connection refused")}
	r := NewReconciler(store, authority, ReconcilerConfig{ClientID: "client-1"}, nil)

	err := r.VerifyOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNetwork)

	// The locally verified grant survives the outage.
	assert.Equal(t, TierPlus, store.CurrentTier(time.Now()))
}

func TestVerifyOncePreservesNetworkErrorClassification(t *testing.T) {
	store := activatedStore(t, TierPlus, "code-1")
	wrapped := errors.Join(apperrors.ErrNetwork, errors.New("timeout"))
	authority := &fakeAuthority{verifyErr: wrapped}
	r := NewReconciler(store, authority, ReconcilerConfig{ClientID: "client-1"}, nil)

	err := r.VerifyOnce(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
}

func TestVerifyOnceSkips(t *testing.T) {
	t.Run("free tier", func(t *testing.T) {
		store := NewStore(newMemKV(), "client-1")
		authority := &fakeAuthority{verifyErr: errors.New("must not be called")}
		r := NewReconciler(store, authority, ReconcilerConfig{}, nil)

		require.NoError(t, r.VerifyOnce(context.Background()))
		assert.Zero(t, authority.verifyCalls)
	})

	t.Run("no stored code id", func(t *testing.T) {
		store := activatedStore(t, TierBasic, "")
		authority := &fakeAuthority{verifyErr: errors.New("must not be called")}
		r := NewReconciler(store, authority, ReconcilerConfig{}, nil)

		require.NoError(t, r.VerifyOnce(context.Background()))
		assert.Zero(t, authority.verifyCalls)
	})

	t.Run("nil authority", func(t *testing.T) {
		store := activatedStore(t, TierPlus, "code-1")
		r := NewReconciler(store, nil, ReconcilerConfig{}, nil)

		require.NoError(t, r.VerifyOnce(context.Background()))
		assert.Equal(t, TierPlus, store.CurrentTier(time.Now()))
	})
}

func TestPushActivationDeliversRequest(t *testing.T) {
	store := activatedStore(t, TierPlus, "code-1")
	authority := &fakeAuthority{}
	r := NewReconciler(store, authority, ReconcilerConfig{
		ClientID:   "client-1",
		DeviceInfo: "host/linux/amd64",
	}, nil)

	ent, err := store.Get()
	require.NoError(t, err)
	r.PushActivation(context.Background(), ent)

	select {
	case res := <-r.Results():
		require.NoError(t, res.Err)
		assert.Equal(t, "code-1", res.CodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("push did not complete")
	}

	require.Equal(t, 1, authority.syncCount())
	req := authority.syncCalls[0]
	assert.Equal(t, "code-1", req.CodeID)
	assert.Equal(t, "client-1", req.ClientID)
	assert.Equal(t, "host/linux/amd64", req.DeviceInfo)
	assert.Equal(t, TierPlus, req.Tier)
	assert.False(t, req.ActivatedAt.IsZero())
}

func TestPushActivationSurvivesCallerCancellation(t *testing.T) {
	store := activatedStore(t, TierPlus, "code-1")
	authority := &fakeAuthority{}
	r := NewReconciler(store, authority, ReconcilerConfig{ClientID: "client-1"}, nil)

	ent, err := store.Get()
	require.NoError(t, err)

	// A request-scoped context cancelled right after the handler returns
	// must not abort the push.
	ctx, cancel := context.WithCancel(context.Background())
	r.PushActivation(ctx, ent)
	cancel()

	select {
	case res := <-r.Results():
		assert.NoError(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("push did not complete")
	}
}

func TestPushActivationFailureIsReportedNotFatal(t *testing.T) {
	store := activatedStore(t, TierPlus, "code-1")
	authority := &fakeAuthority{syncErr: errors.New("server unavailable")}
	r := NewReconciler(store, authority, ReconcilerConfig{ClientID: "client-1"}, nil)

	ent, err := store.Get()
	require.NoError(t, err)
	r.PushActivation(context.Background(), ent)

	select {
	case res := <-r.Results():
		assert.Error(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("push result never arrived")
	}

	// The local grant is untouched by a failed push.
	assert.Equal(t, TierPlus, store.CurrentTier(time.Now()))
}

func TestPushActivationNoOps(t *testing.T) {
	store := activatedStore(t, TierPlus, "code-1")
	ent, err := store.Get()
	require.NoError(t, err)

	t.Run("nil authority", func(t *testing.T) {
		r := NewReconciler(store, nil, ReconcilerConfig{}, nil)
		r.PushActivation(context.Background(), ent)
	})

	t.Run("nil entitlement", func(t *testing.T) {
		authority := &fakeAuthority{}
		r := NewReconciler(store, authority, ReconcilerConfig{}, nil)
		r.PushActivation(context.Background(), nil)
		assert.Zero(t, authority.syncCount())
	})

	t.Run("no code id", func(t *testing.T) {
		authority := &fakeAuthority{}
		r := NewReconciler(store, authority, ReconcilerConfig{}, nil)
		r.PushActivation(context.Background(), &Entitlement{Tier: TierBasic})
		assert.Zero(t, authority.syncCount())
	})
}

func TestRunVerifiesOnStartupAndStopsOnCancel(t *testing.T) {
	store := activatedStore(t, TierPlus, "code-1")
	authority := &fakeAuthority{verifyOK: true}
	r := NewReconciler(store, authority, ReconcilerConfig{
		ClientID: "client-1",
		Interval: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		authority.mu.Lock()
		defer authority.mu.Unlock()
		return authority.verifyCalls == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestReconcilerConfigDefaults(t *testing.T) {
	r := NewReconciler(NewStore(newMemKV(), "client-1"), nil, ReconcilerConfig{}, nil)
	assert.Equal(t, 5*time.Second, r.verifyTimeout)
	assert.Equal(t, 30*time.Second, r.pushTimeout)
	assert.Equal(t, 24*time.Hour, r.interval)

	// Jitter stretches the cadence, never shortens it.
	for i := 0; i < 10; i++ {
		next := r.nextInterval()
		assert.GreaterOrEqual(t, next, r.interval)
		assert.Less(t, next, r.interval+r.interval/10+time.Millisecond)
	}
}

func TestNextIntervalTinyInterval(t *testing.T) {
	// An interval too small to carry jitter must not panic.
	r := NewReconciler(NewStore(newMemKV(), "client-1"), nil, ReconcilerConfig{}, nil)
	r.interval = 5 * time.Nanosecond

	assert.NotPanics(t, func() {
		assert.Equal(t, 5*time.Nanosecond, r.nextInterval())
	})
}
