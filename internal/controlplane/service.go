// Package controlplane provides the HTTP API and service layer for Kaiba.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/kaiba/internal/audit"
	"github.com/fentz26/kaiba/internal/config"
	"github.com/fentz26/kaiba/internal/decision"
	"github.com/fentz26/kaiba/internal/logging"
	"github.com/fentz26/kaiba/internal/memory"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/notify"
	"github.com/fentz26/kaiba/internal/resource"
	"github.com/fentz26/kaiba/internal/scheduler"
	"github.com/fentz26/kaiba/internal/store"
	"go.uber.org/zap"
)

// Service provides the control plane business logic.
type Service struct {
	store      *store.Store
	engine     *decision.Engine
	memory     *memory.Service
	dispatcher *notify.Dispatcher
	pdr        *audit.PDRWriter
	scheduler  *scheduler.Scheduler
	logger     *zap.Logger
}

// NewService creates a new control plane service.
func NewService(s *store.Store, engine *decision.Engine, mem *memory.Service, d *notify.Dispatcher, pdr *audit.PDRWriter, logger *zap.Logger) *Service {
	return &Service{
		store:      s,
		engine:     engine,
		memory:     mem,
		dispatcher: d,
		pdr:        pdr,
		logger:     logging.OrNop(logger).Named("controlplane"),
	}
}

// SetScheduler exposes scheduler statistics through the service.
func (s *Service) SetScheduler(sch *scheduler.Scheduler) {
	s.scheduler = sch
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// audit records an administrative action. Failures are logged only.
func (s *Service) audit(ctx context.Context, action string, inputs any, personaID, details string) {
	if s.pdr == nil {
		return
	}
	if _, err := s.pdr.Record(ctx, action, inputs, "success", personaID, details); err != nil {
		s.logger.Warn("write audit record", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) now() time.Time {
	return s.engine.Tracker().Clock().Now()
}

// --- Persona Operations ---

// CreatePersonaInput describes a new persona.
type CreatePersonaInput struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Role      string          `json:"role"`
	AvatarURL string          `json:"avatar_url,omitempty"`
	Manifest  models.Manifest `json:"manifest"`
}

// CreatePersona creates a persona with the default resource state.
func (s *Service) CreatePersona(ctx context.Context, in CreatePersonaInput) (*models.Persona, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalid("name is required")
	}
	p, err := s.store.CreatePersona(ctx, models.Persona{
		ID:        strings.TrimSpace(in.ID),
		Name:      strings.TrimSpace(in.Name),
		Role:      strings.TrimSpace(in.Role),
		AvatarURL: in.AvatarURL,
		Manifest:  in.Manifest,
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "persona.create", map[string]string{"name": p.Name, "role": p.Role}, p.ID, "")
	return p, nil
}

// GetPersona retrieves a persona by ID.
func (s *Service) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	return s.store.GetPersona(ctx, id)
}

// ListPersonas returns every persona.
func (s *Service) ListPersonas(ctx context.Context) ([]models.Persona, error) {
	return s.store.ListPersonas(ctx)
}

// DeletePersona removes a persona with its state and backend links.
func (s *Service) DeletePersona(ctx context.Context, id string) error {
	if err := s.store.DeletePersona(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, "persona.delete", map[string]string{"persona_id": id}, id, "")
	return nil
}

// StateView is a persona state with its live, regenerated energy.
type StateView struct {
	models.PersonaState
	LiveEnergy      int    `json:"live_energy"`
	LiveMood        string `json:"live_mood"`
	TokensRemaining int    `json:"tokens_remaining"`
}

// GetState returns the persona's resource state as of now.
func (s *Service) GetState(ctx context.Context, personaID string) (*StateView, error) {
	st, energy, err := s.engine.Tracker().Snapshot(ctx, personaID)
	if err != nil {
		return nil, err
	}
	return &StateView{
		PersonaState:    *st,
		LiveEnergy:      energy,
		LiveMood:        resource.MoodFor(energy),
		TokensRemaining: st.TokensRemaining(),
	}, nil
}

// StateUpdate changes resource settings. Nil fields are left unchanged.
type StateUpdate struct {
	TokenBudget        *int `json:"token_budget,omitempty"`
	EnergyLevel        *int `json:"energy_level,omitempty"`
	EnergyRegenPerHour *int `json:"energy_regen_per_hour,omitempty"`
	ResetTokensUsed    bool `json:"reset_tokens_used,omitempty"`
}

// UpdateState applies u atomically and publishes state_changed.
func (s *Service) UpdateState(ctx context.Context, personaID string, u StateUpdate) (*StateView, error) {
	if u.TokenBudget != nil && *u.TokenBudget < 0 {
		return nil, invalid("token_budget must be >= 0")
	}
	if u.EnergyLevel != nil && (*u.EnergyLevel < 0 || *u.EnergyLevel > models.MaxEnergy) {
		return nil, invalid("energy_level must be within [0, %d]", models.MaxEnergy)
	}
	if u.EnergyRegenPerHour != nil && *u.EnergyRegenPerHour < 0 {
		return nil, invalid("energy_regen_per_hour must be >= 0")
	}

	_, err := s.engine.Tracker().Update(ctx, personaID, func(st *models.PersonaState, now time.Time) error {
		// Materialise regenerated energy before the rate can change.
		st.EnergyLevel = resource.LiveEnergy(*st, now)
		st.LastActiveAt = &now
		if u.TokenBudget != nil {
			st.TokenBudget = *u.TokenBudget
		}
		if u.ResetTokensUsed {
			st.TokensUsed = 0
		}
		if u.EnergyLevel != nil {
			st.EnergyLevel = *u.EnergyLevel
		}
		if u.EnergyRegenPerHour != nil {
			st.EnergyRegenPerHour = *u.EnergyRegenPerHour
		}
		st.Mood = resource.MoodFor(st.EnergyLevel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	view, err := s.GetState(ctx, personaID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "persona.state_update", u, personaID, "")
	s.publish(models.EventStateChanged, personaID, map[string]any{
		"energy":           view.LiveEnergy,
		"mood":             view.LiveMood,
		"token_budget":     view.TokenBudget,
		"tokens_remaining": view.TokensRemaining,
	})
	return view, nil
}

func (s *Service) publish(event, personaID string, data map[string]any) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Publish(models.Event{Name: event, PersonaID: personaID, Timestamp: s.now(), Data: data})
}

// --- Backend Operations ---

// SaveBackend creates or replaces a backend.
func (s *Service) SaveBackend(ctx context.Context, b models.Backend) (*models.Backend, error) {
	if strings.TrimSpace(b.ModelID) == "" {
		return nil, invalid("model_id is required")
	}
	p, err := models.ParseProvider(string(b.Provider))
	if err != nil {
		return nil, invalid("%v", err)
	}
	b.Provider = p
	if b.Name == "" {
		b.Name = b.ModelID
	}
	saved, err := s.store.SaveBackend(ctx, b)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "backend.save", map[string]any{"id": saved.ID, "provider": saved.Provider, "model": saved.ModelID}, "", "")
	return saved, nil
}

// GetBackend retrieves a backend by ID.
func (s *Service) GetBackend(ctx context.Context, id string) (*models.Backend, error) {
	return s.store.GetBackend(ctx, id)
}

// ListBackends returns every backend, preferred first.
func (s *Service) ListBackends(ctx context.Context) ([]models.Backend, error) {
	return s.store.ListBackends(ctx)
}

// DeleteBackend removes a backend and its persona links.
func (s *Service) DeleteBackend(ctx context.Context, id string) error {
	if err := s.store.DeleteBackend(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, "backend.delete", map[string]string{"id": id}, "", "")
	return nil
}

// LinkBackend makes a backend a candidate for a persona.
func (s *Service) LinkBackend(ctx context.Context, personaID, backendID string) error {
	if err := s.store.LinkBackend(ctx, personaID, backendID); err != nil {
		return err
	}
	s.audit(ctx, "persona.link", map[string]string{"backend_id": backendID}, personaID, "")
	return nil
}

// UnlinkBackend removes a backend from a persona's candidates.
func (s *Service) UnlinkBackend(ctx context.Context, personaID, backendID string) error {
	return s.store.UnlinkBackend(ctx, personaID, backendID)
}

// ListPersonaBackends returns the backends linked to a persona.
func (s *Service) ListPersonaBackends(ctx context.Context, personaID string) ([]models.Backend, error) {
	if _, err := s.store.GetPersona(ctx, personaID); err != nil {
		return nil, err
	}
	ids, err := s.store.ListPersonaBackendIDs(ctx, personaID)
	if err != nil {
		return nil, err
	}
	linked := make(map[string]bool, len(ids))
	for _, id := range ids {
		linked[id] = true
	}
	all, err := s.store.ListBackends(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Backend, 0, len(ids))
	for _, b := range all {
		if linked[b.ID] {
			out = append(out, b)
		}
	}
	return out, nil
}

// ImportResult counts what ImportCatalog wrote.
type ImportResult struct {
	Backends int      `json:"backends"`
	Links    int      `json:"links"`
	Skipped  []string `json:"skipped,omitempty"`
}

// ImportCatalog saves every catalog backend and creates the links whose
// persona exists. Links to unknown personas are reported as skipped.
func (s *Service) ImportCatalog(ctx context.Context, cat config.Catalog) (*ImportResult, error) {
	backends, err := cat.Models()
	if err != nil {
		return nil, invalid("%v", err)
	}
	res := &ImportResult{}
	for _, b := range backends {
		if _, err := s.store.SaveBackend(ctx, b); err != nil {
			return res, fmt.Errorf("save backend %s: %w", b.ID, err)
		}
		res.Backends++
	}
	for personaID, ids := range cat.Links {
		for _, id := range ids {
			err := s.store.LinkBackend(ctx, personaID, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				res.Skipped = append(res.Skipped, personaID+"->"+id)
			case err != nil:
				return res, fmt.Errorf("link %s to %s: %w", personaID, id, err)
			default:
				res.Links++
			}
		}
	}
	s.audit(ctx, "backend.import", res, "", "")
	return res, nil
}

// --- Decision Operations ---

// Trigger runs one decision tick for a persona.
func (s *Service) Trigger(ctx context.Context, personaID string) (*models.Outcome, error) {
	return s.engine.Tick(ctx, personaID)
}

// TriggerAll ticks every persona.
func (s *Service) TriggerAll(ctx context.Context) (*decision.Summary, error) {
	return s.engine.TickAll(ctx)
}

// Call answers a prompt on behalf of a persona.
func (s *Service) Call(ctx context.Context, personaID, prompt string) (*decision.CallResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, invalid("prompt is required")
	}
	return s.engine.Call(ctx, personaID, prompt)
}

// ListDecisions returns the audit records of a persona, newest first.
func (s *Service) ListDecisions(ctx context.Context, personaID string, limit int) ([]models.PDREntry, error) {
	return s.store.ListPDRs(ctx, personaID, limit)
}

// --- Webhook Operations ---

// WebhookInput creates a subscription. Nil fields take their defaults.
type WebhookInput struct {
	PersonaID     string            `json:"persona_id"`
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	Secret        string            `json:"secret,omitempty"`
	Enabled       *bool             `json:"enabled,omitempty"`
	Events        []string          `json:"events,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	MaxRetries    *int              `json:"max_retries,omitempty"`
	TimeoutMs     *int              `json:"timeout_ms,omitempty"`
	PayloadFormat string            `json:"payload_format,omitempty"`
}

// WebhookPatch updates a subscription. Nil fields are left unchanged.
type WebhookPatch struct {
	Name          *string            `json:"name,omitempty"`
	URL           *string            `json:"url,omitempty"`
	Secret        *string            `json:"secret,omitempty"`
	Enabled       *bool              `json:"enabled,omitempty"`
	Events        []string           `json:"events,omitempty"`
	Headers       *map[string]string `json:"headers,omitempty"`
	MaxRetries    *int               `json:"max_retries,omitempty"`
	TimeoutMs     *int               `json:"timeout_ms,omitempty"`
	PayloadFormat *string            `json:"payload_format,omitempty"`
}

func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return []string{models.EventAll}, nil
	}
	out := make([]string, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		n, err := models.NormalizeEvent(e)
		if err != nil {
			return nil, invalid("%v", err)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

func checkSubscription(sub models.Subscription) error {
	if !notify.ValidFormat(sub.PayloadFormat) {
		return invalid("unknown payload_format %q", sub.PayloadFormat)
	}
	if err := sub.Validate(); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// CreateWebhook subscribes an endpoint to a persona's events.
func (s *Service) CreateWebhook(ctx context.Context, in WebhookInput) (*models.Subscription, error) {
	if _, err := s.store.GetPersona(ctx, in.PersonaID); err != nil {
		return nil, err
	}
	events, err := normalizeEvents(in.Events)
	if err != nil {
		return nil, err
	}
	sub := models.Subscription{
		PersonaID:     in.PersonaID,
		Name:          strings.TrimSpace(in.Name),
		URL:           strings.TrimSpace(in.URL),
		Secret:        in.Secret,
		Enabled:       true,
		Events:        events,
		Headers:       in.Headers,
		MaxRetries:    models.DefaultMaxRetries,
		TimeoutMs:     models.DefaultTimeoutMs,
		PayloadFormat: in.PayloadFormat,
	}
	if in.Enabled != nil {
		sub.Enabled = *in.Enabled
	}
	if in.MaxRetries != nil {
		sub.MaxRetries = *in.MaxRetries
	}
	if in.TimeoutMs != nil {
		sub.TimeoutMs = *in.TimeoutMs
	}
	if err := checkSubscription(sub); err != nil {
		return nil, err
	}

	created, err := s.store.CreateSubscription(ctx, sub)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "webhook.create", map[string]any{"url": created.URL, "events": created.Events}, created.PersonaID, created.ID)
	return created, nil
}

// GetWebhook retrieves a subscription by ID.
func (s *Service) GetWebhook(ctx context.Context, id string) (*models.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// ListWebhooks returns the subscriptions of a persona, or all of them when
// personaID is empty.
func (s *Service) ListWebhooks(ctx context.Context, personaID string) ([]models.Subscription, error) {
	return s.store.ListSubscriptions(ctx, personaID)
}

// UpdateWebhook applies a patch to a subscription.
func (s *Service) UpdateWebhook(ctx context.Context, id string, p WebhookPatch) (*models.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		sub.Name = strings.TrimSpace(*p.Name)
	}
	if p.URL != nil {
		sub.URL = strings.TrimSpace(*p.URL)
	}
	if p.Secret != nil {
		sub.Secret = *p.Secret
	}
	if p.Enabled != nil {
		sub.Enabled = *p.Enabled
	}
	if p.Events != nil {
		if sub.Events, err = normalizeEvents(p.Events); err != nil {
			return nil, err
		}
	}
	if p.Headers != nil {
		sub.Headers = *p.Headers
	}
	if p.MaxRetries != nil {
		sub.MaxRetries = *p.MaxRetries
	}
	if p.TimeoutMs != nil {
		sub.TimeoutMs = *p.TimeoutMs
	}
	if p.PayloadFormat != nil {
		sub.PayloadFormat = *p.PayloadFormat
	}
	if err := checkSubscription(*sub); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateSubscription(ctx, *sub)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "webhook.update", p, updated.PersonaID, updated.ID)
	return updated, nil
}

// SetWebhookEnabled enables or disables a subscription. Disabling cancels
// its pending deliveries at their next attempt.
func (s *Service) SetWebhookEnabled(ctx context.Context, id string, enabled bool) (*models.Subscription, error) {
	return s.UpdateWebhook(ctx, id, WebhookPatch{Enabled: &enabled})
}

// DeleteWebhook removes a subscription.
func (s *Service) DeleteWebhook(ctx context.Context, id string) error {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, "webhook.delete", map[string]string{"id": id}, sub.PersonaID, id)
	return nil
}

// ListDeliveries returns the most recent deliveries of a subscription.
func (s *Service) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]models.Delivery, error) {
	if _, err := s.store.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	return s.store.ListDeliveries(ctx, subscriptionID, limit)
}

// TestWebhook sends a webhook_test event to one subscription, whatever its
// event filter.
func (s *Service) TestWebhook(ctx context.Context, id string) (*models.Delivery, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.Enabled {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrWebhookDisabled)
	}
	return s.dispatcher.Enqueue(ctx, *sub, models.Event{
		Name:      models.EventWebhookTest,
		PersonaID: sub.PersonaID,
		Timestamp: s.now(),
		Data:      map[string]any{"message": "test delivery from Kaiba", "webhook_id": sub.ID},
	})
}

// --- Memory Operations ---

const defaultImportance = 0.5

// MemoryInput is a memory to add. Zero importance means 0.5.
type MemoryInput struct {
	Content    string   `json:"content"`
	Type       string   `json:"memory_type,omitempty"`
	Importance float64  `json:"importance,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// AddMemory stores a memory for a persona and publishes memory_added.
func (s *Service) AddMemory(ctx context.Context, personaID string, in MemoryInput) (*models.Memory, error) {
	if _, err := s.store.GetPersona(ctx, personaID); err != nil {
		return nil, err
	}
	typ, err := models.ParseMemoryType(in.Type)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, invalid("content is required")
	}
	if in.Importance == 0 {
		in.Importance = defaultImportance
	}
	m, err := s.memory.Add(ctx, models.Memory{
		PersonaID:  personaID,
		Content:    in.Content,
		Type:       typ,
		Importance: in.Importance,
		Tags:       in.Tags,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.publish(models.EventMemoryAdded, personaID, map[string]any{
		"memory_id":   m.ID,
		"memory_type": string(m.Type),
		"importance":  m.Importance,
	})
	return m, nil
}

// SearchMemory returns the memories of a persona most relevant to query.
func (s *Service) SearchMemory(ctx context.Context, personaID, query string, limit int, types []string) ([]models.ScoredMemory, error) {
	if _, err := s.store.GetPersona(ctx, personaID); err != nil {
		return nil, err
	}
	parsed := make([]models.MemoryType, 0, len(types))
	for _, t := range types {
		mt, err := models.ParseMemoryType(t)
		if err != nil {
			return nil, invalid("%v", err)
		}
		parsed = append(parsed, mt)
	}
	return s.memory.Search(ctx, personaID, query, limit, parsed...)
}

// --- Health ---

// Stats gathers runtime statistics of the background components.
type Stats struct {
	Dispatcher notify.Stats     `json:"dispatcher"`
	Scheduler  *scheduler.Stats `json:"scheduler,omitempty"`
}

// Stats returns dispatcher and scheduler statistics.
func (s *Service) Stats() Stats {
	var st Stats
	if s.dispatcher != nil {
		st.Dispatcher = s.dispatcher.Stats()
	}
	if s.scheduler != nil {
		sch := s.scheduler.GetStats()
		st.Scheduler = &sch
	}
	return st
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
