package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiergate/internal/entitlement"
)

type memKV struct {
	values map[string]string
}

func (m *memKV) GetString(key string) (string, error) { return m.values[key], nil }
func (m *memKV) SetString(key, value string) error {
	m.values[key] = value
	return nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestTraceID(t *testing.T) {
	handler := TraceID(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
}

func TestActivationRateLimit(t *testing.T) {
	handler := ActivationRateLimit(1, 2)(okHandler())

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/activate", nil))
		statuses = append(statuses, rec.Code)
	}

	// The burst admits the first two, the rest are throttled.
	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
	assert.Equal(t, http.StatusTooManyRequests, statuses[3])
}

func TestActivationRateLimitProblemBody(t *testing.T) {
	handler := ActivationRateLimit(1, 1)(okHandler())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/activate", nil))
	require.Equal(t, http.StatusOK, first.Code)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/activate", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "/errors/rate-limited", problem["type"])
	assert.Equal(t, float64(60), problem["retry_after"])
}

func TestRequireCapability(t *testing.T) {
	kv := &memKV{values: make(map[string]string)}
	store := entitlement.NewStore(kv, "client-1")

	t.Run("free tier denied a basic capability", func(t *testing.T) {
		handler := RequireCapability(store, entitlement.CapabilityAIChat, nil)(okHandler())

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))
		require.Equal(t, http.StatusForbidden, rec.Code)

		var problem map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, "/errors/capability-denied", problem["type"])
		assert.Equal(t, string(entitlement.CapabilityAIChat), problem["capability"])
		assert.Equal(t, "free", problem["tier"])
	})

	t.Run("free tier allowed a free capability", func(t *testing.T) {
		handler := RequireCapability(store, entitlement.CapabilityRecording, nil)(okHandler())

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/record", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("activated tier passes", func(t *testing.T) {
		require.NoError(t, store.Activate(entitlement.TierBasic, nil, "code-1", time.Now()))
		handler := RequireCapability(store, entitlement.CapabilityAIChat, nil)(okHandler())

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("expired grant is denied", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		expiredStore := entitlement.NewStore(&memKV{values: make(map[string]string)}, "client-2")
		require.NoError(t, expiredStore.Activate(entitlement.TierPlus, &past, "code-2", past.Add(-time.Hour)))

		handler := RequireCapability(expiredStore, entitlement.CapabilityAIChat, nil)(okHandler())
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
