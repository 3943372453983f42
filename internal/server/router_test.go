package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/config"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/deadletter"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/idle"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/ledger"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "super-secret-test-key"

func generateTestToken(secret, sub string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tokenString, _ := token.SignedString([]byte(secret))
	return tokenString
}

type testDeps struct {
	q   *queue.Memory
	led *ledger.Memory
	dlq *deadletter.Memory
	srv *httptest.Server
}

func newTestServer(t *testing.T, pings map[string]func(context.Context) error) *testDeps {
	t.Helper()
	d := &testDeps{
		q:   queue.NewMemory("process-requests"),
		led: ledger.NewMemory(),
		dlq: deadletter.NewMemory(),
	}
	coord, err := idle.New(180*time.Second, 300*time.Second, func() int { return 0 }, log.Nop())
	if err != nil {
		t.Fatalf("idle coordinator: %s", err)
	}
	cfg := &config.Config{
		Stage:     "process",
		WorkerID:  "worker-1",
		JWTSecret: testSecret,
	}
	r := chi.NewRouter()
	SetupRouter(r, Deps{
		Cfg:    cfg,
		Logger: log.Nop(),
		Queue:  d.q,
		Ledger: d.led,
		DLQ:    d.dlq,
		Idle:   coord,
		Pings:  pings,
	})
	d.srv = httptest.NewServer(r)
	t.Cleanup(d.srv.Close)
	return d
}

func authedRequest(t *testing.T, method, url string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %s", err)
	}
	req.Header.Set("Authorization", "Bearer "+generateTestToken(testSecret, "ops"))
	return req
}

func TestHealth(t *testing.T) {
	d := newTestServer(t, map[string]func(context.Context) error{
		"redis": func(context.Context) error { return nil },
	})
	resp, err := http.Get(d.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthFailingBackend(t *testing.T) {
	d := newTestServer(t, map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	resp, err := http.Get(d.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestStatusRequiresAuth(t *testing.T) {
	d := newTestServer(t, nil)

	resp, err := http.Get(d.srv.URL + "/status")
	if err != nil {
		t.Fatalf("status: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req := authedRequest(t, http.MethodGet, d.srv.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("status: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", resp.StatusCode)
	}
}

func TestStatusReportsStageAndDepth(t *testing.T) {
	d := newTestServer(t, nil)
	d.q.Enqueue(context.Background(), []message.WorkItem{{
		Class:         "transform",
		CorrelationID: "c1",
		Payload:       []byte(`{"content_id":"x"}`),
	}})

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, d.srv.URL+"/status", nil))
	if err != nil {
		t.Fatalf("status: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Stage string `json:"stage"`
		Depth int64  `json:"queue_depth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %s", err)
	}
	if body.Stage != "process" || body.Depth != 1 {
		t.Fatalf("unexpected status body: %+v", body)
	}
}

func TestLedgerLookup(t *testing.T) {
	d := newTestServer(t, nil)
	d.led.MarkCompleted(context.Background(), "c1", 42, "worker-1", time.Hour)

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, d.srv.URL+"/ledger/c1", nil))
	if err != nil {
		t.Fatalf("ledger: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rec ledger.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode record: %s", err)
	}
	if rec.Status != ledger.StatusCompleted || rec.MessageID != 42 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	resp, err = http.DefaultClient.Do(authedRequest(t, http.MethodGet, d.srv.URL+"/ledger/missing", nil))
	if err != nil {
		t.Fatalf("ledger: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown correlation ID, got %d", resp.StatusCode)
	}
}

func TestDLQListAndRequeue(t *testing.T) {
	d := newTestServer(t, nil)
	d.dlq.Add(context.Background(), deadletter.Entry{
		OriginalID:    7,
		Queue:         "process-requests",
		Class:         "transform",
		CorrelationID: "c1",
		Payload:       []byte(`{"content_id":"x"}`),
		LastError:     "model endpoint down",
		Attempts:      3,
	})

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, d.srv.URL+"/dlq?limit=5", nil))
	if err != nil {
		t.Fatalf("dlq list: %s", err)
	}
	var entries []deadletter.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode dlq list: %s", err)
	}
	resp.Body.Close()
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}

	body, _ := json.Marshal(map[string]int64{"id": entries[0].ID})
	req := authedRequest(t, http.MethodPost, d.srv.URL+"/dlq/requeue", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("requeue: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if depth, _ := d.q.Depth(context.Background()); depth != 1 {
		t.Fatalf("requeued message not on the queue, depth=%d", depth)
	}
	if remaining, _ := d.dlq.List(context.Background(), "process-requests", 10); len(remaining) != 0 {
		t.Fatalf("requeued entry not removed: %+v", remaining)
	}
	msgs, _ := d.q.Receive(context.Background(), 1, time.Minute)
	if len(msgs) != 1 || msgs[0].CorrelationID != "c1" {
		t.Fatalf("requeued message lost its correlation ID: %+v", msgs)
	}
}
