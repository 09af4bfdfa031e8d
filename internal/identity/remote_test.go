package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/apigw/pkg/httpclient"
)

// newIdentityService はテスト用のIdentityサービスを起動する。
func newIdentityService(t *testing.T, identities map[string]Identity, keys map[string]string) *RemoteStore {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /internal/identities/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		id, ok := identities[r.PathValue("id")]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(id)
	})
	mux.HandleFunc("POST /internal/identities/lookup", func(w http.ResponseWriter, r *http.Request) {
		var req apiKeyLookupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		id, ok := identities[keys[req.APIKey]]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(id)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return NewRemoteStore(httpclient.New(ts.URL))
}

func TestRemoteStore(t *testing.T) {
	t.Parallel()

	identities := map[string]Identity{
		"u1": {ID: "u1", Email: "u1@example.com", Role: RoleUser, RateLimitTier: TierPremium, IsActive: true},
		"u2": {ID: "u2", Email: "u2@example.com", Role: RoleAdmin, RateLimitTier: TierBasic, IsActive: false},
	}
	keys := map[string]string{"key-u1": "u1", "key-u2": "u2"}

	t.Run("IDでIdentityを取得できること", func(t *testing.T) {
		t.Parallel()

		store := newIdentityService(t, identities, keys)
		got, err := store.FindByID(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1@example.com", got.Email)
		assert.Equal(t, TierPremium, got.RateLimitTier)
		assert.True(t, got.IsActive)
	})

	t.Run("存在しないIDはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		store := newIdentityService(t, identities, keys)
		_, err := store.FindByID(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("APIキーでアクティブなIdentityを取得できること", func(t *testing.T) {
		t.Parallel()

		store := newIdentityService(t, identities, keys)
		got, err := store.FindActiveByAPIKey(context.Background(), "key-u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.ID)
	})

	t.Run("非アクティブなIdentityのAPIキーはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		store := newIdentityService(t, identities, keys)
		_, err := store.FindActiveByAPIKey(context.Background(), "key-u2")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("サービスの5xxはErrNotFound以外のエラーになること", func(t *testing.T) {
		t.Parallel()

		store := newIdentityService(t, identities, keys)
		_, err := store.FindByID(context.Background(), "broken")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotFound))
	})
}
