package scheduler

import (
	"context"
	"time"

	"akari/internal/eventbus"
	"akari/internal/job"
	"akari/internal/task/engine"
	logx "akari/pkg/logx"
)

const rejectWarnEvery = 30 * time.Second

// MissedFire is the Data of FireMissed events.
type MissedFire struct {
	JobID   int64
	Nominal time.Time
	Late    time.Duration
}

// fire runs on the goroutine cron starts for each tick; it never blocks the
// timer loop.
func (s *Service) fire(d *armed) {
	s.mu.Lock()
	current := s.defs[d.job.ID] == d
	c := s.c
	eid := d.entryID
	grace := s.cfg.MisfireGrace
	ctx := s.runCtx
	s.mu.Unlock()

	// Re-armed or disarmed since this tick was scheduled.
	if !current || c == nil || s.disp == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// The run loop has already advanced the entry when it answers, so Prev is
	// the nominal time of this tick.
	now := s.now()
	if e := c.Entry(eid); e.Valid() && !e.Prev.IsZero() {
		if late := now.Sub(e.Prev); late > grace {
			s.missed.Add(1)
			s.log.Warn("fire missed: past misfire grace",
				logx.String("job", d.job.Label()),
				logx.Time("nominal", e.Prev),
				logx.Duration("late", late),
				logx.Duration("grace", grace),
			)
			s.publish(eventbus.FireMissed, MissedFire{JobID: int64(d.job.ID), Nominal: e.Prev, Late: late})
			return
		}
	}

	if _, err := s.disp.Dispatch(ctx, d.job); err != nil {
		s.reportDispatchError(d.job, err)
	}
}

// reportDispatchError logs a dropped fire. Rejections are normal under load,
// so repeats for the same job are throttled.
func (s *Service) reportDispatchError(j job.Job, err error) {
	if engine.IsRejection(err) {
		s.rejected.Add(1)
	}

	s.warnMu.Lock()
	allow := s.warns.allow(j.ID)
	s.warnMu.Unlock()

	if !allow {
		s.log.Debug("fire dropped", logx.String("job", j.Label()), logx.Err(err))
		return
	}
	if engine.IsRejection(err) {
		s.log.Warn("fire dropped: dispatch rejected", logx.String("job", j.Label()), logx.Err(err))
		return
	}
	s.log.Error("fire dropped: dispatch failed", logx.String("job", j.Label()), logx.Err(err))
}

func (s *Service) Snapshot() Snapshot {
	armed := s.snapshotArmed()
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := s.cfg.Timezone
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	return Snapshot{
		Enabled:      s.cfg.Enabled,
		Running:      s.c != nil,
		Timezone:     tz,
		MisfireGrace: s.cfg.MisfireGrace,
		Armed:        armed,
		Missed:       s.missed.Load(),
		Rejected:     s.rejected.Load(),
	}
}
