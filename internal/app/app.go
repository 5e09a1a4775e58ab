package app

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"akari/internal/config"
	"akari/internal/eventbus"
	"akari/internal/job"
	"akari/internal/observability/debug"
	"akari/internal/runtime/supervisor"
	"akari/internal/storage"
	"akari/internal/task"
	"akari/internal/task/engine"
	logx "akari/pkg/logx"
)

// reconcileTimeout bounds how long removing jobs waits for their processes.
const reconcileTimeout = 30 * time.Second

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sched *task.Scheduler
	dbg   *debug.Service

	jobsMu sync.Mutex
	jobs   []job.Job // last reconciled set
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tc, err := mapTaskConfig(cfg)
	if err != nil {
		return nil, err
	}
	dc, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc, storageOn, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var (
		store storage.Store
		sink  engine.LogSink
	)
	if storageOn {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store, sink = st, st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Info("storage disabled; executions are not recorded")
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   task.New(tc, logSvc.Logger(), bus, sink),
	}
	a.dbg = debug.New(dc, a.status, logSvc.Logger())
	return a, nil
}

// status is served on the debug listener's /status.
func (a *App) status() any {
	out := map[string]any{
		"scheduler":      a.sched.Snapshot(),
		"events_dropped": a.bus.Dropped(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Counters()
	}
	return out
}

func (a *App) Scheduler() *task.Scheduler { return a.sched }

// Store is nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTaskConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapDebugConfig(cfg)
		return err
	})

	jobs, err := a.cfgm.Get().BuildJobs()
	if err != nil {
		return err
	}
	if err := a.reconcile(a.sup.Context(), jobs); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	a.dbg.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128, eventbus.ExecutionFinished, eventbus.DispatchRejected, eventbus.FireMissed)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise for frequent jobs.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Int("jobs", len(jobs)))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if err := a.logs.Apply(mapLoggingConfig(next)); err != nil {
		a.log.Warn("log file sink disabled", logx.Err(err))
	}

	if tc, err := mapTaskConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(tc)
	}

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if slices.Contains(sections, "debug") {
		if dc, err := mapDebugConfig(next); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.dbg.Reconfigure(a.sup.Context(), dc)
		}
	}

	if jobs, err := next.BuildJobs(); err != nil {
		a.log.Warn("invalid jobs; keeping previous", logx.Err(err))
	} else if err := a.reconcile(ctx, jobs); err != nil {
		a.log.Warn("job reconcile incomplete", logx.Err(err))
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// reconcile brings the scheduler in line with next: removed jobs are
// disarmed and stopped, changed ones replaced, new ones added. A job that
// fails to arm is reported and skipped; the rest still apply.
func (a *App) reconcile(ctx context.Context, next []job.Job) error {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()

	d := config.DiffJobs(a.jobs, next)
	if d.Empty() {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	var errs error
	for _, id := range d.Removed {
		if err := a.sched.RemoveJob(rctx, id); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	for _, j := range d.Changed {
		if err := a.sched.ReplaceJob(rctx, j); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	for _, j := range d.Added {
		if err := a.sched.AddJob(j); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	a.jobs = next

	a.log.Info("jobs reconciled",
		logx.Int("added", len(d.Added)),
		logx.Int("changed", len(d.Changed)),
		logx.Int("removed", len(d.Removed)),
	)
	return errs
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Scheduler first: no new fires, then running executions are cancelled and recorded.
	a.step(ctx, "scheduler", 15*time.Second, a.sched.Close)
	a.step(ctx, "debug", 3*time.Second, func(c context.Context) error {
		a.dbg.Stop(c)
		return nil
	})
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	// Finally, wait for supervised goroutines (config watch/reload, event log).
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
