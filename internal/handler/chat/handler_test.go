package chat

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dromero/obralink/backend/internal/middleware"
	chatmodel "github.com/dromero/obralink/backend/internal/model/chat"
	"github.com/dromero/obralink/backend/internal/service/ratelimit"
	"github.com/dromero/obralink/backend/internal/service/session"
	memorystore "github.com/dromero/obralink/backend/internal/store/memory"
)

func setupRouter(rules map[ratelimit.Category]ratelimit.Rule) *chi.Mux {
	sessions := session.NewService(memorystore.New(), zerolog.Nop())
	limiter := ratelimit.NewMessageLimiter(
		ratelimit.NewLimiter(ratelimit.NewMemoryCountingStore(), "rl", zerolog.Nop()), rules)
	handler := New(sessions, limiter, zerolog.Nop())

	r := chi.NewRouter()
	r.Use(middleware.Auth)
	handler.RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestCreateSessionWithGreeting(t *testing.T) {
	r := setupRouter(nil)

	resp := doJSON(t, r, http.MethodPost, "/session", map[string]bool{"addGreeting": true})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	var created chatmodel.Session
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if created.Status != chatmodel.StatusActive {
		t.Fatalf("expected active session, got %s", created.Status)
	}

	list := doJSON(t, r, http.MethodGet, "/session/"+created.ID+"/messages", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", list.Code)
	}

	var payload struct {
		Messages []chatmodel.Message `json:"messages"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(payload.Messages) != 1 {
		t.Fatalf("expected exactly one greeting message, got %d", len(payload.Messages))
	}
	if payload.Messages[0].Role != chatmodel.RoleAssistant {
		t.Fatalf("greeting must be an assistant message, got %s", payload.Messages[0].Role)
	}
}

func TestCreateSessionWithoutGreeting(t *testing.T) {
	r := setupRouter(nil)

	resp := doJSON(t, r, http.MethodPost, "/session", map[string]bool{"addGreeting": false})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	var created chatmodel.Session
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	list := doJSON(t, r, http.MethodGet, "/session/"+created.ID+"/messages", nil)
	var payload struct {
		Messages []chatmodel.Message `json:"messages"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(payload.Messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(payload.Messages))
	}
}

func TestMissingIdentityRejected(t *testing.T) {
	r := setupRouter(nil)

	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader([]byte(`{}`)))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestGetUnknownSession(t *testing.T) {
	r := setupRouter(nil)

	resp := doJSON(t, r, http.MethodGet, "/session/missing", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestSaveMessageCreatesSessionLazily(t *testing.T) {
	r := setupRouter(nil)

	resp := doJSON(t, r, http.MethodPost, "/messages", map[string]any{
		"sessionId": "obra-42",
		"content":   "hola, adjunto avance de hoy",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	got := doJSON(t, r, http.MethodGet, "/session/obra-42", nil)
	if got.Code != http.StatusOK {
		t.Fatalf("lazily created session should exist, got %d", got.Code)
	}

	var created chatmodel.Session
	if err := json.Unmarshal(got.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if created.Status != chatmodel.StatusActive {
		t.Fatalf("expected active session, got %s", created.Status)
	}

	list := doJSON(t, r, http.MethodGet, "/session/obra-42/messages", nil)
	var payload struct {
		Messages []chatmodel.Message `json:"messages"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(payload.Messages) != 1 {
		t.Fatalf("lazy session must hold only the first message, got %d", len(payload.Messages))
	}
	if payload.Messages[0].Role != chatmodel.RoleUser {
		t.Fatalf("expected user message, got %s", payload.Messages[0].Role)
	}
}

func TestSaveMessageRateLimited(t *testing.T) {
	rules := map[ratelimit.Category]ratelimit.Rule{
		ratelimit.CategoryMessage: {Limit: 1, Window: time.Minute},
	}
	r := setupRouter(rules)

	first := doJSON(t, r, http.MethodPost, "/messages", map[string]any{
		"sessionId": "s1", "content": "uno",
	})
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}

	second := doJSON(t, r, http.MethodPost, "/messages", map[string]any{
		"sessionId": "s1", "content": "dos",
	})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("expected limit header, got %q", second.Header().Get("X-RateLimit-Limit"))
	}
	if second.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected zero remaining, got %q", second.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRecordUsageIdempotent(t *testing.T) {
	r := setupRouter(nil)

	created := doJSON(t, r, http.MethodPost, "/session", nil)
	var sess chatmodel.Session
	if err := json.Unmarshal(created.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	usage := map[string]any{"opId": "run-1", "inputTokens": 100, "outputTokens": 40, "cost": 0.002}
	for i := 0; i < 2; i++ {
		resp := doJSON(t, r, http.MethodPost, "/session/"+sess.ID+"/usage", usage)
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.Code)
		}
	}

	got := doJSON(t, r, http.MethodGet, "/session/"+sess.ID, nil)
	var after chatmodel.Session
	if err := json.Unmarshal(got.Body.Bytes(), &after); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if after.Usage.InputTokens != 100 || after.Usage.OutputTokens != 40 {
		t.Fatalf("replayed usage must not double-count, got %+v", after.Usage)
	}
}

func TestCompletedSessionIsTerminal(t *testing.T) {
	r := setupRouter(nil)

	created := doJSON(t, r, http.MethodPost, "/session", nil)
	var sess chatmodel.Session
	if err := json.Unmarshal(created.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	if resp := doJSON(t, r, http.MethodPost, "/session/"+sess.ID+"/complete", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp := doJSON(t, r, http.MethodPost, "/session/"+sess.ID+"/resume", nil); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 on resuming a completed session, got %d", resp.Code)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	r := setupRouter(nil)

	resp := doJSON(t, r, http.MethodGet, "/quota?category=message", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var payload struct {
		Limit     int `json:"limit"`
		Remaining int `json:"remaining"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode quota: %v", err)
	}
	if payload.Limit == 0 {
		t.Fatal("expected a configured limit")
	}
	if payload.Remaining != payload.Limit {
		t.Fatalf("quota check must not consume budget, got %d/%d", payload.Remaining, payload.Limit)
	}
}
