package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tollcounter/tollcounter/internal/config"
	"github.com/tollcounter/tollcounter/internal/model"
	"github.com/tollcounter/tollcounter/internal/ratelimit"
	"github.com/tollcounter/tollcounter/internal/service"
	"github.com/tollcounter/tollcounter/internal/usage"
)

const testSigningSecret = "server-test-signing-secret"

// echoBackend stands in for the upstream service. It echoes a canned
// completion payload carrying a usage block.
var echoBackend = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"id":"cmpl-1","object":"chat.completion","usage":{"prompt_tokens":9,"completion_tokens":12,"total_tokens":21}}`)
})

type testEnv struct {
	srv     *Server
	store   *config.Store
	authSvc *service.AuthService
}

func newTestEnv(t *testing.T, generalMax int) *testEnv {
	t.Helper()

	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(store, testSigningSecret, logger)
	recorder := usage.NewRecorder(store, logger, 64, 1)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		recorder.Close(ctx)
	})

	generalRL := ratelimit.New("general", time.Minute, generalMax)
	adminRL := ratelimit.New("admin", time.Minute, 1000)

	cfg := DefaultConfig()
	cfg.FloodPerMinute = 0 // policy limiters under test, not the backstop

	srv := New(cfg, store, authSvc, recorder, generalRL, adminRL, echoBackend, logger)
	return &testEnv{srv: srv, store: store, authSvc: authSvc}
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	token, err := e.authSvc.IssueToken("root", true, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

// issueKey creates a key through the admin HTTP surface and returns the
// plaintext secret.
func (e *testEnv) issueKey(t *testing.T, name string) string {
	t.Helper()
	req := httptest.NewRequest("POST", "/v1/admin/api-keys", strings.NewReader(`{"name":"`+name+`"}`))
	req.Header.Set("Authorization", "Bearer "+e.adminToken(t))
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("issueKey: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("issueKey decode: %v", err)
	}
	return resp.Secret
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, 100)

	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("readyz: expected 200, got %d", rr.Code)
	}
}

func TestAdminSurfaceAccessControl(t *testing.T) {
	env := newTestEnv(t, 100)

	// No credential at all.
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/admin/api-keys", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", rr.Code)
	}

	// Valid token but not admin.
	userToken, _ := env.authSvc.IssueToken("plain-user", false, time.Hour)
	req := httptest.NewRequest("GET", "/v1/admin/api-keys", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403, got %d", rr.Code)
	}

	// Admin token.
	req = httptest.NewRequest("GET", "/v1/admin/api-keys", nil)
	req.Header.Set("Authorization", "Bearer "+env.adminToken(t))
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestChatRequiresKeyAndProxiesBackend(t *testing.T) {
	env := newTestEnv(t, 100)
	secret := env.issueKey(t, "chat-client")

	// No key.
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: expected 401, got %d", rr.Code)
	}

	// A bearer token is the wrong credential type for this surface.
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+env.adminToken(t))
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("token on key route: expected 401, got %d", rr.Code)
	}

	// Valid key: backend response passes through untouched.
	req = httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("X-API-Key", secret)
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid key: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"total_tokens":21`) {
		t.Errorf("backend body altered: %s", rr.Body.String())
	}
}

func TestModelsAllowsAnonymous(t *testing.T) {
	env := newTestEnv(t, 100)

	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/models", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("anonymous models: expected 200, got %d", rr.Code)
	}
}

func TestGeneralRateLimit(t *testing.T) {
	env := newTestEnv(t, 3)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/v1/models", nil)
		req.RemoteAddr = "198.51.100.7:1000"
		rr := httptest.NewRecorder()
		env.srv.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.RemoteAddr = "198.51.100.7:1000"
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on 429")
	}

	// The admin surface runs its own limiter and is unaffected.
	adminReq := httptest.NewRequest("GET", "/v1/admin/api-keys", nil)
	adminReq.RemoteAddr = "198.51.100.7:1000"
	adminReq.Header.Set("Authorization", "Bearer "+env.adminToken(t))
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, adminReq)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin during general exhaustion: expected 200, got %d", rr.Code)
	}
}

func TestUsageRecordedForMeteredRoutes(t *testing.T) {
	env := newTestEnv(t, 100)
	secret := env.issueKey(t, "metered-client")

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("X-API-Key", secret)
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	// The recorder persists asynchronously; poll for the row.
	var recs []model.UsageRecord
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		recs, err = env.store.ListUsageRecords(context.Background(), 10)
		if err != nil {
			t.Fatalf("ListUsageRecords: %v", err)
		}
		if len(recs) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(recs))
	}

	rec := recs[0]
	if rec.TokensUsed != 21 {
		t.Errorf("TokensUsed: got %d, want 21", rec.TokensUsed)
	}
	if rec.Endpoint != "/v1/chat/completions" || rec.Method != "POST" {
		t.Errorf("endpoint/method: got %s %s", rec.Method, rec.Endpoint)
	}
	if rec.StatusCode != http.StatusOK {
		t.Errorf("StatusCode: got %d", rec.StatusCode)
	}
	if rec.APIKeyID == nil {
		t.Error("expected record tied to the presented key")
	}
}

func TestUsageEndpointScopedToCaller(t *testing.T) {
	env := newTestEnv(t, 100)

	// Seed records for two users directly.
	for _, uid := range []string{"alice", "alice", "bob"} {
		uid := uid
		rec := &model.UsageRecord{
			ID:         uid + "-" + time.Now().Format("150405.000000000"),
			UserID:     &uid,
			Endpoint:   "/v1/models",
			Method:     "GET",
			StatusCode: 200,
		}
		if err := env.store.InsertUsageRecord(context.Background(), rec); err != nil {
			t.Fatalf("InsertUsageRecord: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	// Without a token.
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/usage", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous usage: expected 401, got %d", rr.Code)
	}

	// Alice sees only her rows.
	token, _ := env.authSvc.IssueToken("alice", false, time.Hour)
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Records []model.UsageRecord `json:"records"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Records) != 2 {
		t.Fatalf("expected 2 records for alice, got %d", len(resp.Records))
	}
}

func TestRevokedKeyRejectedImmediately(t *testing.T) {
	env := newTestEnv(t, 100)
	secret := env.issueKey(t, "short-lived")

	keys, err := env.store.ListAPIKeys(context.Background())
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListAPIKeys: %v (%d keys)", err, len(keys))
	}

	req := httptest.NewRequest("DELETE", fmt.Sprintf("/v1/admin/api-keys/%d", keys[0].ID), nil)
	req.Header.Set("Authorization", "Bearer "+env.adminToken(t))
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("X-API-Key", secret)
	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key: expected 401, got %d", rr.Code)
	}
}
