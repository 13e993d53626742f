package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecrest/bastion/pkg/bastion"
	"github.com/wavecrest/bastion/store"
)

const testAdminKey = "test-admin-key"

func newTestAPI(t *testing.T, opts ...bastion.Option) (*gin.Engine, *bastion.Pipeline, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ms := store.NewMemoryStore()
	all := append([]bastion.Option{bastion.WithStore(ms)}, opts...)
	pipe, err := bastion.NewPipeline(all...)
	require.NoError(t, err)

	r := gin.New()
	NewHandler(pipe, testAdminKey, zerolog.Nop()).Register(r)
	return r, pipe, ms
}

func do(r *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndWakeup(t *testing.T) {
	r, _, _ := newTestAPI(t)
	for _, path := range []string{"/health", "/wakeup"} {
		w := do(r, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, w.Code, "path %s", path)
	}
}

func TestSystemStatus(t *testing.T) {
	r, pipe, _ := newTestAPI(t)

	w := do(r, http.MethodGet, "/system_status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st bastion.SystemStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, "operational", st.Status)
	assert.Equal(t, pipe.Config().GlobalLimitPerMinute, st.Thresholds.GlobalPerMinute)
}

func TestSignFingerprint(t *testing.T) {
	r, pipe, _ := newTestAPI(t, bastion.WithSecret("top-secret"))

	w := do(r, http.MethodPost, "/sign-fingerprint", `{"device_fingerprint": "mobile_375x812_2.0"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Signature string `json:"signature"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.Signature)

	// The returned material must verify against the same fingerprint.
	assert.NoError(t, pipe.Signer().Verify("mobile_375x812_2.0", resp.Signature, resp.Timestamp))
	assert.Error(t, pipe.Signer().Verify("desktop_1920x1080_1.0", resp.Signature, resp.Timestamp))
}

func TestSignFingerprint_RequiresFingerprint(t *testing.T) {
	r, _, _ := newTestAPI(t, bastion.WithSecret("top-secret"))
	w := do(r, http.MethodPost, "/sign-fingerprint", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignFingerprint_UnavailableWithoutSecret(t *testing.T) {
	r, _, _ := newTestAPI(t)
	w := do(r, http.MethodPost, "/sign-fingerprint", `{"device_fingerprint": "mobile_375x812_2.0"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminRoutes_RequireKey(t *testing.T) {
	r, _, _ := newTestAPI(t)

	w := do(r, http.MethodPost, "/admin/restore_system", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/admin/restore_system", "", map[string]string{HeaderAdminKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutes_DisabledWithoutKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pipe, err := bastion.NewPipeline()
	require.NoError(t, err)

	r := gin.New()
	NewHandler(pipe, "", zerolog.Nop()).Register(r)

	w := do(r, http.MethodPost, "/admin/restore_system", "", map[string]string{HeaderAdminKey: "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRestoreSystem(t *testing.T) {
	r, pipe, ms := newTestAPI(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	for i := 0; i < pipe.Config().StrikeLimit; i++ {
		_, _, err := ms.RecordStrike(ctx, pipe.Config().StrikeLimit)
		require.NoError(t, err)
	}
	state, err := ms.BreakerState(ctx)
	require.NoError(t, err)
	require.True(t, state.LockedDown)

	w := do(r, http.MethodPost, "/admin/restore_system", "", map[string]string{HeaderAdminKey: testAdminKey})
	require.Equal(t, http.StatusOK, w.Code)

	state, err = ms.BreakerState(ctx)
	require.NoError(t, err)
	assert.False(t, state.LockedDown)
	assert.Equal(t, int64(0), state.StrikeCount)
}

func TestBanUnbanFlow(t *testing.T) {
	r, _, _ := newTestAPI(t)
	admin := map[string]string{HeaderAdminKey: testAdminKey}

	w := do(r, http.MethodPost, "/admin/ban", `{"identity": "fp:abc", "duration_hours": 1, "reason": "abuse"}`, admin)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/admin/ban_status?identity=fp:abc", "", admin)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, true, status["banned"])
	assert.NotEmpty(t, status["expires_at"])

	w = do(r, http.MethodPost, "/admin/unban", `{"identity": "fp:abc"}`, admin)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/admin/ban_status?identity=fp:abc", "", admin)
	require.Equal(t, http.StatusOK, w.Code)
	status = nil
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, false, status["banned"])
}

func TestPermanentBanViaAdmin(t *testing.T) {
	r, _, ms := newTestAPI(t)
	admin := map[string]string{HeaderAdminKey: testAdminKey}

	w := do(r, http.MethodPost, "/admin/ban", `{"identity": "fp:abc", "reason": "fraud"}`, admin)
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := ms.GetQuarantine(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "fp:abc")
	require.NoError(t, err)
	require.NotNil(t, rec, "a ban without duration must be persisted as quarantine")
	assert.True(t, rec.Manual)
}

func TestSecurityStats(t *testing.T) {
	r, pipe, _ := newTestAPI(t)
	admin := map[string]string{HeaderAdminKey: testAdminKey}

	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	require.NoError(t, pipe.Penalties().Ban(ctx, "fp:abc", 0, "abuse"))

	w := do(r, http.MethodGet, "/admin/security_stats", "", admin)
	require.Equal(t, http.StatusOK, w.Code)

	var stats bastion.PenaltyStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, []string{"fp:abc"}, stats.Quarantined)
}

func TestBanRequiresIdentity(t *testing.T) {
	r, _, _ := newTestAPI(t)
	admin := map[string]string{HeaderAdminKey: testAdminKey}

	w := do(r, http.MethodPost, "/admin/ban", `{}`, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/admin/ban_status", "", admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
