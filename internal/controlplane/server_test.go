package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/kaiba/internal/audit"
	"github.com/fentz26/kaiba/internal/connectors"
	"github.com/fentz26/kaiba/internal/decision"
	"github.com/fentz26/kaiba/internal/memory"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/notify"
	"github.com/fentz26/kaiba/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubInvoker struct {
	mu    sync.Mutex
	calls int
}

func (s *stubInvoker) Invoke(_ context.Context, b models.Backend, prompt string, _ []string) (*connectors.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return &connectors.Response{Text: "notes on " + b.ModelID, TokensConsumed: 120, Model: b.ModelID}, nil
}

type testEnv struct {
	store   *store.Store
	server  *Server
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zaptest.NewLogger(t)
	pdr := audit.NewPDRWriter(st)
	mem := memory.NewService(st)
	dispatcher := notify.New(st, nil, nil, logger, notify.DefaultConfig())
	t.Cleanup(func() { _ = dispatcher.Close(context.Background()) })

	engine := decision.NewEngine(decision.DefaultConfig(), decision.Deps{
		Repo:      st,
		Memory:    mem,
		Invoker:   &stubInvoker{},
		Publisher: dispatcher,
		Recorder:  pdr,
		Logger:    logger,
	})
	service := NewService(st, engine, mem, dispatcher, pdr, logger)
	server := NewServer(service, "127.0.0.1:0")
	return &testEnv{store: st, server: server, handler: server.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w.Code, w.Body.Bytes()
}

func decodeAs[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func (e *testEnv) persona(t *testing.T) models.Persona {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/personas", CreatePersonaInput{
		Name:     "Rei",
		Role:     "researcher",
		Manifest: models.Manifest{Interests: []string{"distributed systems"}},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	return decodeAs[models.Persona](t, body)
}

func (e *testEnv) backend(t *testing.T, personaID string) models.Backend {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/backends", models.Backend{
		ID: "echo", Provider: models.ProviderLocal, ModelID: "cat", Priority: 1,
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	code, body = e.do(t, http.MethodPost, "/personas/"+personaID+"/backends", linkRequest{BackendID: "echo"})
	require.Equal(t, http.StatusOK, code, string(body))
	return decodeAs[models.Backend](t, mustGet(t, e, "/backends/echo"))
}

func mustGet(t *testing.T, e *testEnv, path string) []byte {
	t.Helper()
	code, body := e.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	return body
}

func TestHealthEndpoint_OK(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	health := decodeAs[HealthResponse](t, body)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.NotEmpty(t, health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)
	code, _ := e.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.Close())

	code, body := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	health := decodeAs[HealthResponse](t, body)
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestPersonaLifecycle(t *testing.T) {
	e := newTestEnv(t)

	code, _ := e.do(t, http.MethodPost, "/personas", CreatePersonaInput{Role: "nameless"})
	assert.Equal(t, http.StatusBadRequest, code)

	p := e.persona(t)
	list := decodeAs[[]models.Persona](t, mustGet(t, e, "/personas"))
	require.Len(t, list, 1)
	assert.Equal(t, "Rei", list[0].Name)

	state := decodeAs[StateView](t, mustGet(t, e, "/personas/"+p.ID+"/state"))
	assert.Equal(t, models.DefaultEnergy, state.LiveEnergy)
	assert.Equal(t, models.DefaultTokenBudget, state.TokensRemaining)

	energy := 30
	code, body := e.do(t, http.MethodPatch, "/personas/"+p.ID+"/state", StateUpdate{EnergyLevel: &energy})
	require.Equal(t, http.StatusOK, code, string(body))
	state = decodeAs[StateView](t, body)
	assert.Equal(t, 30, state.LiveEnergy)
	assert.Equal(t, "tired", state.LiveMood)
	assert.Equal(t, int64(2), state.Version)

	tooMuch := 150
	code, _ = e.do(t, http.MethodPatch, "/personas/"+p.ID+"/state", StateUpdate{EnergyLevel: &tooMuch})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodDelete, "/personas/"+p.ID, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.do(t, http.MethodGet, "/personas/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(t, http.MethodGet, "/personas/"+p.ID+"/state", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTriggerLearnsWithLinkedBackend(t *testing.T) {
	e := newTestEnv(t)
	p := e.persona(t)
	e.backend(t, p.ID)

	linked := decodeAs[[]models.Backend](t, mustGet(t, e, "/personas/"+p.ID+"/backends"))
	require.Len(t, linked, 1)

	code, body := e.do(t, http.MethodPost, "/personas/"+p.ID+"/trigger", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	out := decodeAs[models.Outcome](t, body)
	assert.Equal(t, models.ActionLearn, out.Action)
	assert.Equal(t, "echo", out.BackendID)

	decisions := decodeAs[[]models.PDREntry](t, mustGet(t, e, "/personas/"+p.ID+"/decisions"))
	actions := make([]string, 0, len(decisions))
	for _, d := range decisions {
		actions = append(actions, d.Action)
	}
	assert.Contains(t, actions, "decision.learn")

	hits := decodeAs[[]models.ScoredMemory](t, mustGet(t, e, "/personas/"+p.ID+"/memory?q=notes&type=learning"))
	assert.NotEmpty(t, hits)
}

func TestTriggerWithoutBackendRests(t *testing.T) {
	e := newTestEnv(t)
	p := e.persona(t)

	code, body := e.do(t, http.MethodPost, "/personas/"+p.ID+"/trigger", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	out := decodeAs[models.Outcome](t, body)
	assert.Equal(t, models.ActionRest, out.Action)
	assert.NotEmpty(t, out.Reason)

	code, _ = e.do(t, http.MethodPost, "/personas/missing/trigger", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTriggerAll(t *testing.T) {
	e := newTestEnv(t)
	e.persona(t)
	e.persona(t)

	code, body := e.do(t, http.MethodPost, "/trigger", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	summary := decodeAs[decision.Summary](t, body)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Rests)
}

func TestCall(t *testing.T) {
	e := newTestEnv(t)
	p := e.persona(t)

	code, body := e.do(t, http.MethodPost, "/personas/"+p.ID+"/call", callRequest{Prompt: "hello"})
	assert.Equal(t, http.StatusConflict, code, "no backend linked: %s", body)

	e.backend(t, p.ID)
	code, _ = e.do(t, http.MethodPost, "/personas/"+p.ID+"/call", callRequest{Prompt: "  "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodPost, "/personas/"+p.ID+"/call", callRequest{Prompt: "hello"})
	require.Equal(t, http.StatusOK, code, string(body))
	res := decodeAs[decision.CallResult](t, body)
	assert.Equal(t, "notes on cat", res.Response)
	assert.Equal(t, 120, res.TokensConsumed)
	assert.False(t, res.BudgetExhausted)
}

func TestWebhookLifecycle(t *testing.T) {
	e := newTestEnv(t)
	p := e.persona(t)

	var mu sync.Mutex
	var received []*http.Request
	var bodies [][]byte
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r)
		bodies = append(bodies, b)
		mu.Unlock()
	}))
	defer receiver.Close()

	code, _ := e.do(t, http.MethodPost, "/personas/"+p.ID+"/webhooks", WebhookInput{URL: receiver.URL, PayloadFormat: "teams"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodPost, "/personas/ghost/webhooks", WebhookInput{URL: receiver.URL})
	assert.Equal(t, http.StatusNotFound, code)

	code, body := e.do(t, http.MethodPost, "/personas/"+p.ID+"/webhooks", WebhookInput{
		Name:   "ops",
		URL:    receiver.URL,
		Secret: "s3cret",
		Events: []string{"Learning_Completed", "deploys"},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	assert.NotContains(t, string(body), "s3cret")
	hook := decodeAs[WebhookView](t, body)
	assert.True(t, hook.HasSecret)
	assert.True(t, hook.Enabled)
	assert.Equal(t, []string{models.EventLearningCompleted, "custom:deploys"}, hook.Events)
	assert.Equal(t, models.DefaultMaxRetries, hook.MaxRetries)
	assert.Equal(t, models.DefaultTimeoutMs, hook.TimeoutMs)

	code, body = e.do(t, http.MethodPost, "/webhooks/"+hook.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.False(t, decodeAs[WebhookView](t, body).Enabled)

	code, _ = e.do(t, http.MethodPost, "/webhooks/"+hook.ID+"/test", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, http.MethodPost, "/webhooks/"+hook.ID+"/enable", nil)
	require.Equal(t, http.StatusOK, code)

	retries := 0
	code, body = e.do(t, http.MethodPatch, "/webhooks/"+hook.ID, WebhookPatch{MaxRetries: &retries})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, 0, decodeAs[WebhookView](t, body).MaxRetries)

	code, body = e.do(t, http.MethodPost, "/webhooks/"+hook.ID+"/test", nil)
	require.Equal(t, http.StatusAccepted, code, string(body))
	delivery := decodeAs[models.Delivery](t, body)

	require.Eventually(t, func() bool {
		d, err := e.store.GetDelivery(context.Background(), delivery.ID)
		return err == nil && d.Status == models.DeliverySuccess
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, models.EventWebhookTest, received[0].Header.Get(notify.HeaderEvent))
	assert.NoError(t, notify.Verify("s3cret", bodies[0], received[0].Header.Get(notify.HeaderSignature)))
	mu.Unlock()

	deliveries := decodeAs[[]models.Delivery](t, mustGet(t, e, "/webhooks/"+hook.ID+"/deliveries"))
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliverySuccess, deliveries[0].Status)

	all := decodeAs[[]WebhookView](t, mustGet(t, e, "/webhooks?persona_id="+p.ID))
	assert.Len(t, all, 1)

	code, _ = e.do(t, http.MethodDelete, "/webhooks/"+hook.ID, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.do(t, http.MethodGet, "/webhooks/"+hook.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMemoryAddPublishesEvent(t *testing.T) {
	e := newTestEnv(t)
	p := e.persona(t)

	got := make(chan string, 4)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(notify.HeaderEvent)
	}))
	defer receiver.Close()
	code, body := e.do(t, http.MethodPost, "/personas/"+p.ID+"/webhooks", WebhookInput{
		URL: receiver.URL, Events: []string{models.EventMemoryAdded},
	})
	require.Equal(t, http.StatusCreated, code, string(body))

	code, _ = e.do(t, http.MethodPost, "/personas/"+p.ID+"/memory", MemoryInput{Content: "  "})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodPost, "/personas/"+p.ID+"/memory", MemoryInput{Content: "x", Type: "dream"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodPost, "/personas/"+p.ID+"/memory", MemoryInput{
		Content: "Raft elects a leader with randomized timeouts", Type: "fact", Tags: []string{"raft"},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	m := decodeAs[models.Memory](t, body)
	assert.Equal(t, models.MemoryTypeFact, m.Type)
	assert.InDelta(t, 0.5, m.Importance, 1e-9)

	select {
	case ev := <-got:
		assert.Equal(t, models.EventMemoryAdded, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("memory_added was not delivered")
	}

	hits := decodeAs[[]models.ScoredMemory](t, mustGet(t, e, "/personas/"+p.ID+"/memory?q=raft+leader&limit=5"))
	require.Len(t, hits, 1)
	assert.Equal(t, m.ID, hits[0].ID)
	assert.Positive(t, hits[0].Score)

	none := decodeAs[[]models.ScoredMemory](t, mustGet(t, e, "/personas/"+p.ID+"/memory?q=raft&type=learning"))
	assert.Empty(t, none)
}

func TestBackendsAndCatalogImport(t *testing.T) {
	e := newTestEnv(t)
	p := e.persona(t)

	code, _ := e.do(t, http.MethodPost, "/backends", models.Backend{Provider: "cobol", ModelID: "x"})
	assert.Equal(t, http.StatusBadRequest, code)

	catalog := map[string]any{
		"backends": []map[string]any{
			{"id": "pro", "provider": "google", "model": "gemini-2.5-pro", "priority": 1},
			{"id": "local", "provider": "local", "model": "cat", "priority": 5, "fallback": true},
		},
		"links": map[string][]string{p.ID: {"pro", "local"}, "ghost": {"pro"}},
	}
	code, body := e.do(t, http.MethodPost, "/backends/import", catalog)
	require.Equal(t, http.StatusOK, code, string(body))
	res := decodeAs[ImportResult](t, body)
	assert.Equal(t, 2, res.Backends)
	assert.Equal(t, 2, res.Links)
	assert.Equal(t, []string{"ghost->pro"}, res.Skipped)

	backends := decodeAs[[]models.Backend](t, mustGet(t, e, "/backends"))
	require.Len(t, backends, 2)
	assert.Equal(t, "pro", backends[0].ID)
	assert.True(t, backends[1].IsFallback)

	code, body = e.do(t, http.MethodPut, "/backends/pro", models.Backend{Provider: models.ProviderGoogle, ModelID: "gemini-2.5-flash", Priority: 2})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "gemini-2.5-flash", decodeAs[models.Backend](t, body).ModelID)

	code, _ = e.do(t, http.MethodDelete, "/personas/"+p.ID+"/backends/pro", nil)
	assert.Equal(t, http.StatusNoContent, code)
	linked := decodeAs[[]models.Backend](t, mustGet(t, e, "/personas/"+p.ID+"/backends"))
	require.Len(t, linked, 1)
	assert.Equal(t, "local", linked[0].ID)

	code, _ = e.do(t, http.MethodDelete, "/backends/local", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.do(t, http.MethodGet, "/backends/local", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	stats := decodeAs[Stats](t, mustGet(t, e, "/stats"))
	assert.Nil(t, stats.Scheduler)
	assert.Zero(t, stats.Dispatcher.Attempts)
}
