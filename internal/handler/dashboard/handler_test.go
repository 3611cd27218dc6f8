package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	chatmodel "github.com/dromero/obralink/backend/internal/model/chat"
	"github.com/dromero/obralink/backend/internal/service/ratelimit"
	"github.com/dromero/obralink/backend/internal/service/registry"
	memorystore "github.com/dromero/obralink/backend/internal/store/memory"
)

func setup(t *testing.T) (*chi.Mux, *memorystore.Store, *ratelimit.IPLimiter) {
	t.Helper()

	st := memorystore.New()
	reg := registry.New(zerolog.Nop())
	t.Cleanup(reg.Shutdown)

	limiter := ratelimit.NewIPLimiter(
		ratelimit.NewLimiter(ratelimit.NewMemoryCountingStore(), "rl", zerolog.Nop()),
		ratelimit.NewMemoryFlagStore(), 100, time.Minute, zerolog.Nop())

	handler := New(st, reg, limiter, time.Hour, zerolog.Nop())
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, st, limiter
}

func TestRollup(t *testing.T) {
	r, st, _ := setup(t)

	now := time.Now().UTC()
	sessions := []chatmodel.Session{
		{ID: "s1", UserID: "u1", Status: chatmodel.StatusActive, CreatedAt: now, UpdatedAt: now},
		{ID: "s2", UserID: "u1", Status: chatmodel.StatusCompleted, CreatedAt: now, UpdatedAt: now,
			Usage: chatmodel.Usage{InputTokens: 10, OutputTokens: 5, Cost: 0.01}},
	}
	for _, s := range sessions {
		if err := st.InsertSession(context.Background(), s); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboard/rollup", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var payload struct {
		SessionsByStatus map[string]int `json:"sessionsByStatus"`
		InputTokens      int            `json:"inputTokens"`
		Connections      int            `json:"connections"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode rollup: %v", err)
	}
	if payload.SessionsByStatus["active"] != 1 || payload.SessionsByStatus["completed"] != 1 {
		t.Fatalf("unexpected status counts: %+v", payload.SessionsByStatus)
	}
	if payload.InputTokens != 10 {
		t.Fatalf("expected 10 input tokens, got %d", payload.InputTokens)
	}
	if payload.Connections != 0 {
		t.Fatalf("expected no connections, got %d", payload.Connections)
	}
}

func TestBanAndUnban(t *testing.T) {
	r, _, limiter := setup(t)

	body, _ := json.Marshal(map[string]string{"ip": "203.0.113.9"})
	req := httptest.NewRequest(http.MethodPost, "/admin/ban", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !limiter.IsBanned(context.Background(), "203.0.113.9") {
		t.Fatal("address should be banned")
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/unban", bytes.NewReader(body))
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if limiter.IsBanned(context.Background(), "203.0.113.9") {
		t.Fatal("address should be unbanned")
	}
}

func TestBanRequiresIP(t *testing.T) {
	r, _, _ := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/ban", bytes.NewReader([]byte(`{}`)))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
