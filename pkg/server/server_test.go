package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexiloop/nexiloop/pkg/models"
	"github.com/nexiloop/nexiloop/pkg/quota"
	"github.com/nexiloop/nexiloop/pkg/store/memory"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Class   string `json:"class"`
		Limit   int64  `json:"limit"`
		Count   int64  `json:"count"`
	} `json:"error"`
}

func newTestServer(t *testing.T) (*Server, *quota.Ledger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	ledger := quota.New(memory.New(),
		quota.WithClock(func() time.Time { return testNow }),
		quota.WithLogger(logger),
		quota.WithMetrics(quota.NewMetrics(reg)),
		quota.WithFreeModels([]string{"free-model"}),
	)
	return New(":0", ledger, WithLogger(logger), WithGatherer(reg)), ledger
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func usage(userID string, class models.QuotaClass, authenticated bool) usageRequest {
	return usageRequest{UserID: userID, Class: string(class), IsAuthenticated: authenticated}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateGuest(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/create-guest", guestRequest{UserID: "guest-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp guestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Created)
	assert.True(t, resp.User.Anonymous)
	assert.Equal(t, "guest-1@anonymous.example", resp.User.Email)

	rec = do(t, srv, http.MethodPost, "/api/create-guest", guestRequest{UserID: "guest-1"})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Created)

	rec = do(t, srv, http.MethodPost, "/api/create-guest", guestRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGuestFlowHitsDailyLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/create-guest", guestRequest{UserID: "g"})

	for i := 0; i < int(quota.GeneralAnonLimit); i++ {
		rec := do(t, srv, http.MethodPost, "/api/usage/check", usage("g", models.QuotaGeneral, false))
		require.Equal(t, http.StatusOK, rec.Code, "check %d", i+1)
		rec = do(t, srv, http.MethodPost, "/api/usage/increment", usage("g", models.QuotaGeneral, false))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := do(t, srv, http.MethodPost, "/api/usage/check", usage("g", models.QuotaGeneral, false))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	env := decodeError(t, rec)
	assert.Equal(t, quota.CodeDailyLimit, env.Error.Code)
	assert.Equal(t, "general", env.Error.Class)
	assert.Equal(t, quota.GeneralAnonLimit, env.Error.Limit)
	assert.Equal(t, quota.GeneralAnonLimit, env.Error.Count)
}

func TestCheckByModel(t *testing.T) {
	srv, ledger := newTestServer(t)
	_, _, err := ledger.Register(context.Background(), "g", true)
	require.NoError(t, err)

	rec := do(t, srv, http.MethodPost, "/api/usage/check", usageRequest{UserID: "g", Model: "pro-model"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, quota.CodeAuthRequired, decodeError(t, rec).Error.Code)

	rec = do(t, srv, http.MethodPost, "/api/usage/check", usageRequest{UserID: "g", Model: "free-model"})
	require.Equal(t, http.StatusOK, rec.Code)
	var d quota.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, models.QuotaGeneral, d.Class)
	assert.True(t, d.Allowed)
}

func TestIdentityValidation(t *testing.T) {
	srv, ledger := newTestServer(t)
	_, _, err := ledger.Register(context.Background(), "g", true)
	require.NoError(t, err)

	rec := do(t, srv, http.MethodPost, "/api/usage/check", usage("g", models.QuotaGeneral, true))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/usage/check", usage("nobody", models.QuotaGeneral, true))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/rate-limits?userId=g&isAuthenticated=true", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBadRequests(t *testing.T) {
	srv, ledger := newTestServer(t)
	_, _, err := ledger.Register(context.Background(), "g", true)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/usage/check", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/usage/check", usageRequest{UserID: "g"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/usage/check", usageRequest{UserID: "g", Class: "image"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/rate-limits", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/rate-limits?userId=g&isAuthenticated=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimits(t *testing.T) {
	srv, ledger := newTestServer(t)
	ctx := context.Background()
	_, _, err := ledger.Register(ctx, "member", false)
	require.NoError(t, err)
	_, err = ledger.Check(ctx, "member", models.QuotaGeneral)
	require.NoError(t, err)
	require.NoError(t, ledger.Increment(ctx, "member", models.QuotaGeneral, nil))

	rec := do(t, srv, http.MethodGet, "/api/rate-limits?userId=member&isAuthenticated=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var u models.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, int64(1), u.DailyCount)
	assert.Equal(t, quota.GeneralAuthLimit, u.DailyLimit)
	assert.Equal(t, quota.GeneralAuthLimit-1, u.Remaining)
	assert.Equal(t, quota.ProLimit, u.RemainingPro)
	assert.Equal(t, quota.SpecialAgentLimit, u.RemainingSpecialAgent)
}

func TestConsume(t *testing.T) {
	srv, ledger := newTestServer(t)
	_, _, err := ledger.Register(context.Background(), "member", false)
	require.NoError(t, err)

	for i := int64(1); i <= quota.SpecialAgentLimit; i++ {
		rec := do(t, srv, http.MethodPost, "/api/usage/consume", usage("member", models.QuotaSpecialAgent, true))
		require.Equal(t, http.StatusOK, rec.Code)
		var d quota.Decision
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
		assert.Equal(t, i, d.Count)
	}

	rec := do(t, srv, http.MethodPost, "/api/usage/consume", usage("member", models.QuotaSpecialAgent, true))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, quota.CodeSpecialAgentLimit, decodeError(t, rec).Error.Code)
}

func TestTrackSpecialAgent(t *testing.T) {
	srv, ledger := newTestServer(t)
	_, _, err := ledger.Register(context.Background(), "member", false)
	require.NoError(t, err)

	body := usageRequest{UserID: "member", IsAuthenticated: true}
	for i := int64(0); i < quota.SpecialAgentLimit; i++ {
		rec := do(t, srv, http.MethodPost, "/api/special-agent/track", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, srv, http.MethodPost, "/api/special-agent/track", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStorageFailureIs503(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.writeError(rec, &quota.StorageError{Op: "check", SubjectID: "u", Err: errors.New("down")})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, codeStorage, decodeError(t, rec).Error.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, ledger := newTestServer(t)
	ctx := context.Background()
	_, _, err := ledger.Register(ctx, "g", true)
	require.NoError(t, err)
	_, err = ledger.Check(ctx, "g", models.QuotaGeneral)
	require.NoError(t, err)

	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nexiloop_quota_checks_total")
}

func TestListenAndServeShutdown(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down")
	}
}
