package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiergate/internal/authority"
	"tiergate/internal/entitlement"
	apperrors "tiergate/internal/errors"
	"tiergate/internal/identity"
)

type memKV struct {
	values map[string]string
}

func (m *memKV) GetString(key string) (string, error) { return m.values[key], nil }
func (m *memKV) SetString(key, value string) error {
	m.values[key] = value
	return nil
}

type fakeUpgradeClient struct {
	result *authority.UpgradeResult
	err    error

	gotClientID   string
	gotCodeID     string
	gotTargetTier entitlement.Tier
}

func (f *fakeUpgradeClient) Upgrade(ctx context.Context, clientID, codeID string, targetTier entitlement.Tier) (*authority.UpgradeResult, error) {
	f.gotClientID = clientID
	f.gotCodeID = codeID
	f.gotTargetTier = targetTier
	return f.result, f.err
}

type serviceFixture struct {
	service EntitlementService
	manager *entitlement.Manager
	priv    ed25519.PrivateKey
	client  *fakeUpgradeClient
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	verifier, err := entitlement.NewSignatureVerifier(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)

	kv := &memKV{values: make(map[string]string)}
	id, err := identity.Load(kv)
	require.NoError(t, err)

	store := entitlement.NewStore(kv, id.ClientID)
	manager := entitlement.NewManager(store, verifier)
	client := &fakeUpgradeClient{}

	svc := NewEntitlementService(manager, nil, client, id, slog.Default())
	return &serviceFixture{service: svc, manager: manager, priv: priv, client: client}
}

func (f *serviceFixture) signedCode(t *testing.T, codeID, tier string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"id": codeID, "tier": tier})
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return fmt.Sprintf("VL-%s-%s.%s", tier,
		enc.EncodeToString(payload),
		enc.EncodeToString(ed25519.Sign(f.priv, payload)))
}

func TestServiceStatusBeforeActivation(t *testing.T) {
	f := newServiceFixture(t)

	status, err := f.service.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "free", status.Tier)
	assert.Equal(t, "free", status.EffectiveTier)
	assert.NotEmpty(t, status.ClientID)
	assert.Len(t, status.Capabilities, 2)
}

func TestServiceActivate(t *testing.T) {
	f := newServiceFixture(t)

	status, err := f.service.Activate(context.Background(), f.signedCode(t, "code-1", "plus"))
	require.NoError(t, err)
	assert.Equal(t, "plus", status.Tier)
	assert.Equal(t, "plus", status.EffectiveTier)
	assert.NotNil(t, status.ActivatedAt)
	assert.Len(t, status.Capabilities, 6)
}

func TestServiceActivateInvalidCode(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Activate(context.Background(), "garbage")
	assert.ErrorIs(t, err, apperrors.ErrMissingSignature)
}

func TestServiceUpgrade(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	_, err := f.service.Activate(ctx, f.signedCode(t, "code-1", "basic"))
	require.NoError(t, err)

	expiry := time.Now().AddDate(1, 0, 0).UTC()
	f.client.result = &authority.UpgradeResult{
		Tier:      entitlement.TierPlus,
		ExpiresAt: &expiry,
		CodeID:    "code-2",
	}

	status, err := f.service.Upgrade(ctx, "plus")
	require.NoError(t, err)
	assert.Equal(t, "plus", status.Tier)
	require.NotNil(t, status.ExpiresAt)
	assert.True(t, status.ExpiresAt.Equal(expiry))
	assert.Greater(t, status.DaysLeft, 300)

	assert.Equal(t, "code-1", f.client.gotCodeID)
	assert.Equal(t, entitlement.TierPlus, f.client.gotTargetTier)

	ent, err := f.manager.Store().Get()
	require.NoError(t, err)
	assert.Equal(t, "code-2", ent.CodeID)
}

func TestServiceUpgradeReusesCodeIDWhenOmitted(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	_, err := f.service.Activate(ctx, f.signedCode(t, "code-1", "basic"))
	require.NoError(t, err)

	f.client.result = &authority.UpgradeResult{Tier: entitlement.TierPlus}

	status, err := f.service.Upgrade(ctx, "plus")
	require.NoError(t, err)
	assert.Equal(t, "plus", status.Tier)

	ent, err := f.manager.Store().Get()
	require.NoError(t, err)
	assert.Equal(t, "code-1", ent.CodeID, "missing code id in the response keeps the existing one")
}

func TestServiceUpgradeErrors(t *testing.T) {
	t.Run("not activated", func(t *testing.T) {
		f := newServiceFixture(t)
		_, err := f.service.Upgrade(context.Background(), "plus")
		assert.ErrorIs(t, err, apperrors.ErrNotActivated)
	})

	t.Run("target free is refused locally", func(t *testing.T) {
		f := newServiceFixture(t)
		ctx := context.Background()
		_, err := f.service.Activate(ctx, f.signedCode(t, "code-1", "basic"))
		require.NoError(t, err)

		_, err = f.service.Upgrade(ctx, "free")
		assert.ErrorIs(t, err, apperrors.ErrRemoteRejected)
		assert.Empty(t, f.client.gotClientID, "authority must not be called")
	})

	t.Run("authority refusal leaves entitlement untouched", func(t *testing.T) {
		f := newServiceFixture(t)
		ctx := context.Background()
		_, err := f.service.Activate(ctx, f.signedCode(t, "code-1", "basic"))
		require.NoError(t, err)

		f.client.err = fmt.Errorf("%w: upgrade refused", apperrors.ErrRemoteRejected)
		_, err = f.service.Upgrade(ctx, "plus")
		assert.ErrorIs(t, err, apperrors.ErrRemoteRejected)

		ent, err := f.manager.Store().Get()
		require.NoError(t, err)
		assert.Equal(t, entitlement.TierBasic, ent.Tier)
	})

	t.Run("network failure is classified", func(t *testing.T) {
		f := newServiceFixture(t)
		ctx := context.Background()
		_, err := f.service.Activate(ctx, f.signedCode(t, "code-1", "basic"))
		require.NoError(t, err)

		f.client.err = errors.Join(apperrors.ErrNetwork, errors.New("timeout"))
		_, err = f.service.Upgrade(ctx, "plus")
		assert.ErrorIs(t, err, apperrors.ErrNetwork)
	})

	t.Run("no authority configured", func(t *testing.T) {
		f := newServiceFixture(t)
		svc := NewEntitlementService(f.manager, nil, nil, &identity.Identity{ClientID: "c"}, slog.Default())
		_, err := svc.Upgrade(context.Background(), "plus")
		assert.ErrorIs(t, err, apperrors.ErrNetwork)
	})
}
