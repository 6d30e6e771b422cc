// Package notify persists decision events as webhook deliveries and sends
// them, signed, to subscribed endpoints with retry and backoff.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fentz26/kaiba/internal/clock"
	"github.com/fentz26/kaiba/internal/logging"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Kaiba-Signature"
	HeaderDelivery  = "X-Kaiba-Delivery"
	HeaderEvent     = "X-Kaiba-Event"
	UserAgent       = "Kaiba-Webhook/1.0"
)

// Store persists subscriptions and deliveries.
type Store interface {
	ListSubscriptions(ctx context.Context, personaID string) ([]models.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	CreateDelivery(ctx context.Context, d models.Delivery) (*models.Delivery, error)
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	UpdateDelivery(ctx context.Context, d models.Delivery, expectedAttempts int) error
	ListRecoverableDeliveries(ctx context.Context) ([]models.Delivery, error)
}

// Config defines the dispatcher settings.
type Config struct {
	// Concurrency bounds attempts running at once across deliveries.
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	// ResponseBodyLimit caps the bytes of a response body kept on the delivery.
	ResponseBodyLimit int64 `mapstructure:"response_body_limit" yaml:"response_body_limit"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:       8,
		BaseBackoff:       time.Second,
		MaxBackoff:        time.Minute,
		ResponseBodyLimit: 4096,
	}
}

// Backoff returns the wait after the given number of failed attempts:
// base * 2^(attempts-1), capped at maxDelay.
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Dispatcher fans events out to subscriptions and drives each delivery to
// a terminal status. Attempts of one delivery never overlap; different
// deliveries run in parallel up to Config.Concurrency.
type Dispatcher struct {
	store  Store
	client *http.Client
	clock  clock.Clock
	logger *zap.Logger
	cfg    Config
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	timers   map[string]*clock.Timer
	// unsaved holds attempts that were sent but whose result could not be
	// written. They are written before anything else is sent for the delivery.
	unsaved  map[string]*unsavedAttempt
	stats    Stats
}

// unsavedAttempt is the result of a sent attempt awaiting its store write.
type unsavedAttempt struct {
	delivery models.Delivery
	prev     int
	failures int
}

// Stats counts dispatcher activity since start.
type Stats struct {
	Published int `json:"published"`
	Enqueued  int `json:"enqueued"`
	Attempts  int `json:"attempts"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	InFlight  int `json:"in_flight"`
	Scheduled int `json:"scheduled"`
}

// New creates a Dispatcher. A nil client gets one that does not follow
// redirects; a nil clock means the real clock.
func New(s Store, client *http.Client, clk clock.Clock, logger *zap.Logger, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ResponseBodyLimit <= 0 {
		cfg.ResponseBodyLimit = def.ResponseBodyLimit
	}
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    s,
		client:   client,
		clock:    clk,
		logger:   logging.OrNop(logger).Named("notify"),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
		timers:   make(map[string]*clock.Timer),
		unsaved:  make(map[string]*unsavedAttempt),
	}
}

// Publish hands ev to the fan-out goroutine and returns at once. Events
// published after Close are dropped.
func (d *Dispatcher) Publish(ev models.Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("dispatcher closed, dropping event", zap.String("event", ev.Name))
		return
	}
	d.stats.Published++
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.fanOut(d.ctx, ev); err != nil {
			d.logger.Error("fan-out failed",
				zap.String("event", ev.Name), zap.String("persona_id", ev.PersonaID), zap.Error(err))
		}
	}()
}

func (d *Dispatcher) fanOut(ctx context.Context, ev models.Event) error {
	subs, err := d.store.ListSubscriptions(ctx, ev.PersonaID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	var errs []error
	for _, sub := range subs {
		if !sub.Matches(ev.Name) {
			continue
		}
		if _, err := d.Enqueue(ctx, sub, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enqueue persists a pending delivery of ev to sub and schedules its first
// attempt, regardless of the subscription's event filter.
func (d *Dispatcher) Enqueue(ctx context.Context, sub models.Subscription, ev models.Event) (*models.Delivery, error) {
	id := uuid.New().String()
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = d.clock.Now()
	}
	body, err := Format(sub.PayloadFormat, Payload{
		DeliveryID: id,
		Event:      ev.Name,
		PersonaID:  ev.PersonaID,
		Timestamp:  ts.UTC(),
		Data:       ev.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("format payload for webhook %s: %w", sub.ID, err)
	}

	delivery, err := d.store.CreateDelivery(ctx, models.Delivery{
		ID:             id,
		SubscriptionID: sub.ID,
		Event:          ev.Name,
		Payload:        body,
		Status:         models.DeliveryPending,
		CreatedAt:      d.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create delivery for webhook %s: %w", sub.ID, err)
	}

	d.mu.Lock()
	d.stats.Enqueued++
	d.mu.Unlock()
	d.schedule(delivery.ID, 0)
	return delivery, nil
}

// Recover reschedules every delivery left pending or retrying, honouring
// its NextAttemptAt. It returns how many were scheduled.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	deliveries, err := d.store.ListRecoverableDeliveries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recoverable deliveries: %w", err)
	}
	now := d.clock.Now()
	for _, dl := range deliveries {
		var delay time.Duration
		if dl.NextAttemptAt != nil {
			delay = max(dl.NextAttemptAt.Sub(now), 0)
		}
		d.schedule(dl.ID, delay)
	}
	if len(deliveries) > 0 {
		d.logger.Info("recovered deliveries", zap.Int("count", len(deliveries)))
	}
	return len(deliveries), nil
}

// schedule arranges an attempt of id after delay.
func (d *Dispatcher) schedule(id string, delay time.Duration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	if delay <= 0 {
		d.mu.Unlock()
		go d.fire(id)
		return
	}
	// Registered under the lock so a fast-firing timer cannot delete its
	// map entry before it exists.
	d.timers[id] = d.clock.AfterFunc(delay, func() { d.fire(id) })
	d.mu.Unlock()
}

// fire runs one attempt of id and schedules the next one if needed.
func (d *Dispatcher) fire(id string) {
	defer d.wg.Done()

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}
	d.mu.Lock()
	if _, busy := d.inflight[id]; busy {
		d.mu.Unlock()
		d.sem.Release(1)
		return
	}
	d.inflight[id] = struct{}{}
	d.stats.InFlight++
	d.mu.Unlock()

	next, again := d.attempt(id)

	d.mu.Lock()
	delete(d.inflight, id)
	delete(d.timers, id)
	d.stats.InFlight--
	d.mu.Unlock()
	d.sem.Release(1)

	if again {
		d.schedule(id, next)
	}
}

// attempt sends a delivery once and records the result. It reports whether
// another attempt is due and after which delay.
func (d *Dispatcher) attempt(id string) (time.Duration, bool) {
	ctx := context.Background()
	log := d.logger.With(zap.String("delivery_id", id))

	d.mu.Lock()
	pending := d.unsaved[id]
	delete(d.unsaved, id)
	d.mu.Unlock()
	if pending != nil {
		return d.record(ctx, log, pending)
	}

	dl, err := d.store.GetDelivery(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("delivery vanished")
		return 0, false
	case err != nil:
		log.Error("load delivery", zap.Error(err))
		return d.cfg.MaxBackoff, true
	case dl.Status.Terminal():
		return 0, false
	}

	sub, err := d.store.GetSubscription(ctx, dl.SubscriptionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return d.cancelDelivery(ctx, dl, "subscription deleted")
	case err != nil:
		log.Error("load subscription", zap.Error(err))
		return d.cfg.MaxBackoff, true
	case !sub.Enabled:
		return d.cancelDelivery(ctx, dl, "subscription disabled")
	}

	res := d.send(sub, dl)
	now := d.clock.Now()
	prev := dl.Attempts
	dl.Attempts++
	dl.StatusCode = res.statusCode
	dl.ResponseBody = res.body
	dl.LastError = ""
	if res.err != nil {
		dl.LastError = res.err.Error()
	}

	switch {
	case res.success:
		dl.Status = models.DeliverySuccess
		dl.NextAttemptAt = nil
		dl.CompletedAt = &now
	case !res.transient, dl.Attempts > sub.MaxRetries:
		dl.Status = models.DeliveryFailed
		dl.NextAttemptAt = nil
		dl.CompletedAt = &now
	default:
		next := now.Add(Backoff(dl.Attempts, d.cfg.BaseBackoff, d.cfg.MaxBackoff))
		dl.Status = models.DeliveryRetrying
		dl.NextAttemptAt = &next
	}

	d.mu.Lock()
	d.stats.Attempts++
	d.mu.Unlock()

	log.Info("delivery attempt",
		zap.String("subscription_id", sub.ID),
		zap.String("event", dl.Event),
		zap.Int("attempt", dl.Attempts),
		zap.Int("status_code", dl.StatusCode),
		zap.String("status", string(dl.Status)))
	return d.record(ctx, log, &unsavedAttempt{delivery: *dl, prev: prev})
}

// record writes the result of a sent attempt. A failed write keeps the
// result in memory and retries it with backoff, so the request already sent
// is counted before any further one goes out.
func (d *Dispatcher) record(ctx context.Context, log *zap.Logger, a *unsavedAttempt) (time.Duration, bool) {
	dl := a.delivery
	err := d.store.UpdateDelivery(ctx, dl, a.prev)
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		log.Warn("attempt already recorded elsewhere", zap.Int("attempt", dl.Attempts))
		return 0, false
	case err != nil:
		a.failures++
		wait := Backoff(a.failures, d.cfg.BaseBackoff, d.cfg.MaxBackoff)
		log.Warn("record attempt", zap.Int("attempt", dl.Attempts), zap.Duration("retry_in", wait), zap.Error(err))
		d.mu.Lock()
		d.unsaved[dl.ID] = a
		d.mu.Unlock()
		return wait, true
	}

	d.mu.Lock()
	switch dl.Status {
	case models.DeliverySuccess:
		d.stats.Succeeded++
	case models.DeliveryFailed:
		d.stats.Failed++
	}
	d.mu.Unlock()

	if dl.Status != models.DeliveryRetrying || dl.NextAttemptAt == nil {
		return 0, false
	}
	return max(dl.NextAttemptAt.Sub(d.clock.Now()), 0), true
}

// cancelDelivery marks dl cancelled. A failed write is retried later.
func (d *Dispatcher) cancelDelivery(ctx context.Context, dl *models.Delivery, reason string) (time.Duration, bool) {
	now := d.clock.Now()
	prev := dl.Attempts
	dl.Status = models.DeliveryCancelled
	dl.LastError = reason
	dl.NextAttemptAt = nil
	dl.CompletedAt = &now
	err := d.store.UpdateDelivery(ctx, *dl, prev)
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return 0, false
	case err != nil:
		d.logger.Warn("cancel delivery", zap.String("delivery_id", dl.ID), zap.Error(err))
		return d.cfg.MaxBackoff, true
	}
	d.mu.Lock()
	d.stats.Cancelled++
	d.mu.Unlock()
	d.logger.Info("delivery cancelled", zap.String("delivery_id", dl.ID), zap.String("reason", reason))
	return 0, false
}

type sendResult struct {
	success    bool
	transient  bool
	statusCode int
	body       string
	err        error
}

// send performs the HTTP request of one attempt.
func (d *Dispatcher) send(sub *models.Subscription, dl *models.Delivery) sendResult {
	timeout := time.Duration(sub.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(models.DefaultTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(dl.Payload))
	if err != nil {
		return sendResult{err: fmt.Errorf("build request: %w", err)}
	}
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderEvent, dl.Event)
	req.Header.Set(HeaderDelivery, dl.ID)
	if sub.HasSecret() {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, dl.Payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return sendResult{transient: isTransientNetErr(err), err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, d.cfg.ResponseBodyLimit))
	res := sendResult{statusCode: resp.StatusCode, body: string(body)}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.success = true
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		res.transient = true
		res.err = fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		res.err = fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return res
}

// isTransientNetErr treats timeouts and connection failures as retryable.
// Malformed URLs and other request errors are not.
func isTransientNetErr(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Scheduled = len(d.timers)
	return s
}

// Close stops pending timers and waits for running fan-outs and attempts.
// Deliveries whose timers were stopped stay pending or retrying in the store
// and are picked up by Recover on the next start.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	timers := d.timers
	d.timers = make(map[string]*clock.Timer)
	d.mu.Unlock()

	for _, t := range timers {
		if t.Stop() {
			d.wg.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
		err = ctx.Err()
	}
	d.cancel()
	d.client.CloseIdleConnections()
	d.flushUnsaved()
	return err
}

// flushUnsaved makes a last attempt at writing results still held in memory.
func (d *Dispatcher) flushUnsaved() {
	d.mu.Lock()
	unsaved := d.unsaved
	d.unsaved = make(map[string]*unsavedAttempt)
	d.mu.Unlock()

	for id, a := range unsaved {
		if err := d.store.UpdateDelivery(context.Background(), a.delivery, a.prev); err != nil {
			d.logger.Error("attempt result lost on shutdown",
				zap.String("delivery_id", id), zap.Int("attempt", a.delivery.Attempts), zap.Error(err))
		}
	}
}
