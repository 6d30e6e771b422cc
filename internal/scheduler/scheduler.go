package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fentz26/kaiba/internal/decision"
	"github.com/fentz26/kaiba/internal/logging"
	"github.com/fentz26/kaiba/internal/models"
	"go.uber.org/zap"
)

// Runner ticks a set of personas.
type Runner interface {
	TickEach(ctx context.Context, personas []models.Persona, before func(ctx context.Context, p models.Persona) error) (*decision.Summary, error)
}

// PersonaLister lists the personas to tick.
type PersonaLister interface {
	ListPersonas(ctx context.Context) ([]models.Persona, error)
}

// Stats reports scheduler activity.
type Stats struct {
	Running  bool              `json:"running"`
	Runs     int               `json:"runs"`
	Interval string            `json:"interval"`
	LastRun  *time.Time        `json:"last_run,omitempty"`
	LastErr  string            `json:"last_error,omitempty"`
	Last     *decision.Summary `json:"last_summary,omitempty"`
}

// Scheduler runs trigger-all on a ticker. Ticks of one run are spread by a
// random delay per persona so backends are not hit at the same instant.
type Scheduler struct {
	runner  Runner
	lister  PersonaLister
	config  Config
	logger  *zap.Logger
	jitter  func() time.Duration
	running sync.Mutex

	mu    sync.Mutex
	stats Stats

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a new scheduler.
func New(runner Runner, lister PersonaLister, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	sch := &Scheduler{
		runner: runner,
		lister: lister,
		config: cfg,
		logger: logging.OrNop(logger).Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
	sch.jitter = func() time.Duration {
		if sch.config.MaxJitter <= 0 {
			return 0
		}
		return rand.N(sch.config.MaxJitter)
	}
	return sch
}

// Start begins the scheduler loop. Calling it twice has no effect.
func (sch *Scheduler) Start() {
	sch.mu.Lock()
	if sch.started {
		sch.mu.Unlock()
		return
	}
	sch.started = true
	sch.stats.Running = true
	sch.mu.Unlock()

	sch.wg.Add(1)
	go sch.loop()
	sch.logger.Info("scheduler started", zap.Duration("interval", sch.config.Interval))
}

// Stop cancels the running batch, if any, and waits for the loop to exit.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()

	sch.mu.Lock()
	wasRunning := sch.stats.Running
	sch.stats.Running = false
	sch.mu.Unlock()
	if wasRunning {
		sch.logger.Info("scheduler stopped")
	}
}

func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	if sch.config.RunOnStart {
		sch.runLogged()
	}

	ticker := time.NewTicker(sch.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.runLogged()
		}
	}
}

func (sch *Scheduler) runLogged() {
	summary, err := sch.RunOnce(sch.ctx)
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		sch.logger.Error("scheduled run failed", zap.Error(err))
	default:
		sch.logger.Info("scheduled run finished",
			zap.Int("processed", summary.Processed),
			zap.Int("learns", summary.Learns),
			zap.Int("digests", summary.Digests),
			zap.Int("rests", summary.Rests),
			zap.Int("errors", summary.Errors))
	}
}

// RunOnce ticks every persona once, each after its own random delay.
// Overlapping runs are serialised.
func (sch *Scheduler) RunOnce(ctx context.Context) (*decision.Summary, error) {
	sch.running.Lock()
	defer sch.running.Unlock()

	personas, err := sch.lister.ListPersonas(ctx)
	if err != nil {
		sch.recordRun(nil, err)
		return nil, fmt.Errorf("list personas: %w", err)
	}

	summary, err := sch.runner.TickEach(ctx, personas, sch.wait)
	sch.recordRun(summary, err)
	return summary, err
}

// wait sleeps for the persona's jitter or until ctx ends.
func (sch *Scheduler) wait(ctx context.Context, _ models.Persona) error {
	d := sch.jitter()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (sch *Scheduler) recordRun(summary *decision.Summary, err error) {
	now := time.Now().UTC()
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.stats.Runs++
	sch.stats.LastRun = &now
	sch.stats.LastErr = ""
	if err != nil {
		sch.stats.LastErr = err.Error()
	}
	if summary != nil {
		sch.stats.Last = summary
	}
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	s := sch.stats
	s.Interval = sch.config.Interval.String()
	return s
}
