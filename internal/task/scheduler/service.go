package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"akari/internal/eventbus"
	"akari/internal/job"
	logx "akari/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	bus  eventbus.Bus
	disp Dispatcher

	c       *cron.Cron
	runCtx  context.Context
	started bool // Start was called and Stop was not
	defs    map[job.ID]*armed

	warnMu sync.Mutex
	warns  warnLimiter

	missed   atomic.Uint64
	rejected atomic.Uint64

	now func() time.Time
}

func New(cfg Config, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	return &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "scheduler")),
		bus:   bus,
		disp:  disp,
		defs:  make(map[job.ID]*armed),
		warns: warnLimiter{every: rejectWarnEvery},
		now:   time.Now,
	}
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Running reports whether the timer loop is live.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Apply swaps config at runtime. A timezone change restarts the timer loop and
// re-installs every armed job; toggling Enabled starts or stops it.
func (s *Service) Apply(cfg Config) {
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	var old *cron.Cron
	switch {
	case s.c != nil && !cfg.Enabled:
		old = s.c
		s.c = nil
		s.clearEntriesLocked()
		s.log.Info("scheduler disabled")
	case s.c != nil && oldTZ != newTZ:
		old = s.c
		s.c = nil
		s.startLocked()
		s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
	case s.c == nil && cfg.Enabled && s.started:
		s.startLocked()
		s.log.Info("scheduler enabled", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
	}
	s.mu.Unlock()

	// Fires in progress may need s.mu, so wait for the old loop outside the lock.
	if old != nil {
		<-old.Stop().Done()
	}
}

// Start installs every armed job and starts the timer loop. Idempotent.
// ctx is passed to the dispatcher on every fire.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.runCtx = ctx
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; jobs stay armed but will not fire", logx.Int("jobs", len(s.defs)))
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.installLocked(d)
	}
	s.c.Start()
}

// Stop halts the timer loop. Armed jobs stay registered and are re-installed by
// the next Start. In-flight executions are not touched. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.clearEntriesLocked()
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop: fires still dispatching", logx.Err(ctx.Err()))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) clearEntriesLocked() {
	for _, d := range s.defs {
		d.entryID = 0
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
	}
}
