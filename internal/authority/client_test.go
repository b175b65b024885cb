package authority

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiergate/internal/entitlement"
	apperrors "tiergate/internal/errors"
)

func TestClientSync(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/entitlements/sync", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	defer srv.Close()

	activated := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	err := NewClient(srv.URL).Sync(context.Background(), entitlement.PushRequest{
		CodeID:      "code-1",
		ClientID:    "client-1",
		DeviceInfo:  "host/linux/amd64",
		Tier:        entitlement.TierPlus,
		ActivatedAt: activated,
	})
	require.NoError(t, err)

	assert.Equal(t, "client-1", received["client_id"])
	assert.Equal(t, "code-1", received["code_id"])
	assert.Equal(t, "host/linux/amd64", received["device_info"])
	assert.Equal(t, "plus", received["tier"])
	assert.Equal(t, "2026-05-01T08:00:00Z", received["activated_at"])
}

func TestClientSyncRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"success": false})
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Sync(context.Background(), entitlement.PushRequest{CodeID: "code-1"})
	assert.ErrorIs(t, err, apperrors.ErrRemoteRejected)
}

func TestClientVerify(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantValid bool
		wantErr   error
	}{
		{
			name: "valid",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]bool{"valid": true})
			},
			wantValid: true,
		},
		{
			name: "authoritative invalid",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]bool{"valid": false})
			},
			wantValid: false,
		},
		{
			name: "server error is a network error not a revocation",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantErr: apperrors.ErrNetwork,
		},
		{
			name: "malformed body is a network error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			wantErr: apperrors.ErrNetwork,
		},
		{
			name: "response omitting the valid field is a network error not a revocation",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{}"))
			},
			wantErr: apperrors.ErrNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			valid, err := NewClient(srv.URL).Verify(context.Background(), "client-1", "code-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, valid)
		})
	}
}

type memKV struct {
	values map[string]string
}

func (m *memKV) GetString(key string) (string, error) { return m.values[key], nil }
func (m *memKV) SetString(key, value string) error {
	m.values[key] = value
	return nil
}

func TestVerifyOnceFailsOpenOnEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	store := entitlement.NewStore(&memKV{values: make(map[string]string)}, "client-1")
	require.NoError(t, store.Activate(entitlement.TierPlus, nil, "code-1", time.Now()))

	r := entitlement.NewReconciler(store, NewClient(srv.URL), entitlement.ReconcilerConfig{
		ClientID: "client-1",
	}, nil)

	err := r.VerifyOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNetwork)

	// An answer that carries no verdict must not downgrade the grant.
	assert.Equal(t, entitlement.TierPlus, store.CurrentTier(time.Now()))
}

func TestClientVerifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := NewClient(srv.URL).Verify(context.Background(), "client-1", "code-1")
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
}

func TestClientVerifyContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client going away.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL).Verify(ctx, "client-1", "code-1")
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
}

func TestClientUpgrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/entitlements/upgrade", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "plus", req["target_tier"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":    true,
			"tier":       "plus",
			"expires_at": "2027-05-01T00:00:00Z",
			"code_id":    "code-2",
		})
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL).Upgrade(context.Background(), "client-1", "code-1", entitlement.TierPlus)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPlus, result.Tier)
	assert.Equal(t, "code-2", result.CodeID)
	require.NotNil(t, result.ExpiresAt)
	assert.Equal(t, 2027, result.ExpiresAt.Year())
}

func TestClientUpgradeRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"success": false})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Upgrade(context.Background(), "client-1", "code-1", entitlement.TierPlus)
	assert.ErrorIs(t, err, apperrors.ErrRemoteRejected)
}

func TestClientUpgradeMayOmitCodeID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "tier": "plus"})
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL).Upgrade(context.Background(), "client-1", "code-1", entitlement.TierPlus)
	require.NoError(t, err)
	assert.Empty(t, result.CodeID)
	assert.Nil(t, result.ExpiresAt)
}

func TestClientNoBaseURL(t *testing.T) {
	_, err := NewClient("").Verify(context.Background(), "client-1", "code-1")
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
}
