package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/kaiba/internal/config"
	"github.com/fentz26/kaiba/internal/connectors"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/selector"
	"github.com/fentz26/kaiba/internal/store"
	"go.uber.org/zap"
)

// Version is reported by /health. It is set at build time.
var Version = "0.1.0-dev"

const maxBodyBytes = 1 << 20

// Server provides the HTTP API for Kaiba.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
		logger:  service.logger.Named("http"),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	// Persona endpoints
	mux.HandleFunc("/personas", s.handlePersonas)
	mux.HandleFunc("/personas/", s.handlePersonaByID)

	// Backend endpoints
	mux.HandleFunc("/backends", s.handleBackends)
	mux.HandleFunc("/backends/", s.handleBackendByID)

	// Webhook endpoints
	mux.HandleFunc("/webhooks", s.handleWebhooks)
	mux.HandleFunc("/webhooks/", s.handleWebhookByID)

	mux.HandleFunc("/trigger", s.handleTriggerAll)
	return mux
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Trigger and call wait for an execution backend.
		WriteTimeout: 5 * time.Minute,
	}

	s.logger.Info("starting Kaiba API", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, ErrWebhookDisabled),
		errors.Is(err, selector.ErrNoAvailableBackend):
		return http.StatusConflict
	case errors.Is(err, connectors.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, connectors.ErrPermanent):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return invalid("invalid json: %v", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// splitPath returns the non-empty segments of path after prefix.
func splitPath(path, prefix string) []string {
	var parts []string
	for _, p := range strings.Split(strings.TrimPrefix(path, prefix), "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// --- Health ---

// HealthResponse is the body of /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = "error: " + err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Stats())
}

// --- Persona Handlers ---

// handlePersonas handles POST /personas and GET /personas
func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req CreatePersonaInput
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		p, err := s.service.CreatePersona(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	case http.MethodGet:
		personas, err := s.service.ListPersonas(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		if personas == nil {
			personas = []models.Persona{}
		}
		writeJSON(w, http.StatusOK, personas)
	default:
		methodNotAllowed(w)
	}
}

// handlePersonaByID handles /personas/{id}/*
func (s *Server) handlePersonaByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/personas/")
	if len(parts) == 0 {
		s.writeError(w, invalid("persona id required"))
		return
	}

	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getPersona(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.deletePersona(w, r, id)
	case action == "state" && r.Method == http.MethodGet:
		s.getState(w, r, id)
	case action == "state" && r.Method == http.MethodPatch:
		s.updateState(w, r, id)
	case action == "trigger" && r.Method == http.MethodPost:
		s.trigger(w, r, id)
	case action == "call" && r.Method == http.MethodPost:
		s.call(w, r, id)
	case action == "decisions" && r.Method == http.MethodGet:
		s.listDecisions(w, r, id)
	case action == "backends" && len(parts) == 2 && r.Method == http.MethodGet:
		s.listPersonaBackends(w, r, id)
	case action == "backends" && len(parts) == 2 && r.Method == http.MethodPost:
		s.linkBackend(w, r, id)
	case action == "backends" && len(parts) == 3 && r.Method == http.MethodDelete:
		s.unlinkBackend(w, r, id, parts[2])
	case action == "memory" && r.Method == http.MethodGet:
		s.searchMemory(w, r, id)
	case action == "memory" && r.Method == http.MethodPost:
		s.addMemory(w, r, id)
	case action == "webhooks" && r.Method == http.MethodGet:
		s.listWebhooks(w, r, id)
	case action == "webhooks" && r.Method == http.MethodPost:
		s.createWebhook(w, r, id)
	default:
		notFound(w)
	}
}

func (s *Server) getPersona(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.service.GetPersona(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deletePersona(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.service.DeletePersona(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request, id string) {
	st, err := s.service.GetState(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) updateState(w http.ResponseWriter, r *http.Request, id string) {
	var req StateUpdate
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.service.UpdateState(r.Context(), id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, id string) {
	out, err := s.service.Trigger(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type callRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) call(w http.ResponseWriter, r *http.Request, id string) {
	var req callRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.service.Call(r.Context(), id, req.Prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request, id string) {
	entries, err := s.service.ListDecisions(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listPersonaBackends(w http.ResponseWriter, r *http.Request, id string) {
	backends, err := s.service.ListPersonaBackends(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backends)
}

type linkRequest struct {
	BackendID string `json:"backend_id"`
}

func (s *Server) linkBackend(w http.ResponseWriter, r *http.Request, id string) {
	var req linkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.BackendID == "" {
		s.writeError(w, invalid("backend_id is required"))
		return
	}
	if err := s.service.LinkBackend(r.Context(), id, req.BackendID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
}

func (s *Server) unlinkBackend(w http.ResponseWriter, r *http.Request, id, backendID string) {
	if err := s.service.UnlinkBackend(r.Context(), id, backendID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Memory Handlers ---

func (s *Server) addMemory(w http.ResponseWriter, r *http.Request, id string) {
	var req MemoryInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.service.AddMemory(r.Context(), id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) searchMemory(w http.ResponseWriter, r *http.Request, id string) {
	q := r.URL.Query()
	var types []string
	if t := q.Get("type"); t != "" {
		types = strings.Split(t, ",")
	}
	hits, err := s.service.SearchMemory(r.Context(), id, q.Get("q"), queryInt(r, "limit", 10), types)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hits == nil {
		hits = []models.ScoredMemory{}
	}
	writeJSON(w, http.StatusOK, hits)
}

// --- Trigger All ---

func (s *Server) handleTriggerAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	summary, err := s.service.TriggerAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Backend Handlers ---

// handleBackends handles POST /backends and GET /backends
func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req models.Backend
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		b, err := s.service.SaveBackend(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, b)
	case http.MethodGet:
		backends, err := s.service.ListBackends(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		if backends == nil {
			backends = []models.Backend{}
		}
		writeJSON(w, http.StatusOK, backends)
	default:
		methodNotAllowed(w)
	}
}

// handleBackendByID handles /backends/{id} and POST /backends/import
func (s *Server) handleBackendByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/backends/")
	if len(parts) != 1 {
		notFound(w)
		return
	}
	id := parts[0]

	switch {
	case id == "import" && r.Method == http.MethodPost:
		var cat config.Catalog
		if err := decodeJSON(r, &cat); err != nil {
			s.writeError(w, err)
			return
		}
		res, err := s.service.ImportCatalog(r.Context(), cat)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case r.Method == http.MethodGet:
		b, err := s.service.GetBackend(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	case r.Method == http.MethodPut:
		var req models.Backend
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		req.ID = id
		b, err := s.service.SaveBackend(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	case r.Method == http.MethodDelete:
		if err := s.service.DeleteBackend(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// --- Webhook Handlers ---

// handleWebhooks handles GET /webhooks?persona_id=
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listWebhooks(w, r, r.URL.Query().Get("persona_id"))
	case http.MethodPost:
		var req WebhookInput
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		s.saveWebhook(w, r, req)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request, personaID string) {
	subs, err := s.service.ListWebhooks(r.Context(), personaID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]WebhookView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, viewOf(sub))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request, personaID string) {
	var req WebhookInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	req.PersonaID = personaID
	s.saveWebhook(w, r, req)
}

func (s *Server) saveWebhook(w http.ResponseWriter, r *http.Request, req WebhookInput) {
	sub, err := s.service.CreateWebhook(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(*sub))
}

// WebhookView is a subscription as returned by the API. The secret is
// never echoed back.
type WebhookView struct {
	models.Subscription
	HasSecret bool `json:"has_secret"`
}

func viewOf(sub models.Subscription) WebhookView {
	return WebhookView{Subscription: sub, HasSecret: sub.HasSecret()}
}

// handleWebhookByID handles /webhooks/{id}/*
func (s *Server) handleWebhookByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/webhooks/")
	if len(parts) == 0 || len(parts) > 2 {
		notFound(w)
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sub, err := s.service.GetWebhook(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(*sub))
	case action == "" && r.Method == http.MethodPatch:
		var req WebhookPatch
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		s.respondWebhook(r.Context(), w, func(ctx context.Context) (*models.Subscription, error) {
			return s.service.UpdateWebhook(ctx, id, req)
		})
	case action == "" && r.Method == http.MethodDelete:
		if err := s.service.DeleteWebhook(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case (action == "enable" || action == "disable") && r.Method == http.MethodPost:
		enabled := action == "enable"
		s.respondWebhook(r.Context(), w, func(ctx context.Context) (*models.Subscription, error) {
			return s.service.SetWebhookEnabled(ctx, id, enabled)
		})
	case action == "deliveries" && r.Method == http.MethodGet:
		deliveries, err := s.service.ListDeliveries(r.Context(), id, queryInt(r, "limit", 50))
		if err != nil {
			s.writeError(w, err)
			return
		}
		if deliveries == nil {
			deliveries = []models.Delivery{}
		}
		writeJSON(w, http.StatusOK, deliveries)
	case action == "test" && r.Method == http.MethodPost:
		d, err := s.service.TestWebhook(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, d)
	default:
		notFound(w)
	}
}

func (s *Server) respondWebhook(ctx context.Context, w http.ResponseWriter, fn func(context.Context) (*models.Subscription, error)) {
	sub, err := fn(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*sub))
}
