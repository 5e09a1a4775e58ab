package scheduler

import (
	"cmp"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"akari/internal/eventbus"
	"akari/internal/job"
	logx "akari/pkg/logx"
)

// Arm installs j's trigger, replacing any previous entry for j.ID.
//
// A disabled job is disarmed instead. An invalid job is disarmed and the
// validation error returned; schedule problems match job.ErrInvalidSchedule.
// While the timer loop is stopped the job is kept and installed on Start.
func (s *Service) Arm(j job.Job) error {
	if !j.Enabled {
		s.Disarm(j.ID)
		return nil
	}
	if err := j.Validate(); err != nil {
		s.Disarm(j.ID)
		return err
	}

	s.mu.Lock()
	// Old entry is gone before the new one exists.
	s.removeLocked(j.ID)
	d := &armed{job: j, armedAt: s.now()}
	s.defs[j.ID] = d
	running := s.c != nil
	if running {
		s.installLocked(d)
	}
	s.mu.Unlock()

	fields := []logx.Field{logx.String("job", j.Label()), logx.String("schedule", j.Schedule.Describe())}
	if s.log.Enabled(logx.LevelDebug) {
		if next := formatTimes(s.Preview(j.Schedule, 3)); next != "" {
			fields = append(fields, logx.String("next", next))
		}
	}
	s.log.Debug("job armed", append(fields, logx.Bool("running", running))...)
	s.publish(eventbus.JobArmed, int64(j.ID))
	return nil
}

// Disarm removes the armed entry for id. It reports whether one existed.
func (s *Service) Disarm(id job.ID) bool {
	s.mu.Lock()
	removed := s.removeLocked(id)
	s.mu.Unlock()

	s.warnMu.Lock()
	s.warns.forget(id)
	s.warnMu.Unlock()

	if removed {
		s.log.Debug("job disarmed", logx.Int64("job_id", int64(id)))
		s.publish(eventbus.JobDisarmed, int64(id))
	}
	return removed
}

// Armed reports whether id has an armed entry.
func (s *Service) Armed(id job.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[id]
	return ok
}

// Job returns the definition id was armed with.
func (s *Service) Job(id job.ID) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return job.Job{}, false
	}
	return d.job, true
}

// List yields every armed job ordered by id. The set is captured when List is
// called; ranging over the result again yields the same snapshot.
func (s *Service) List() iter.Seq[ArmedJob] {
	items := s.snapshotArmed()
	return func(yield func(ArmedJob) bool) {
		for _, it := range items {
			if !yield(it) {
				return
			}
		}
	}
}

func (s *Service) snapshotArmed() []ArmedJob {
	s.mu.Lock()
	c := s.c
	type pair struct {
		d   armed
		eid cron.EntryID
	}
	defs := make([]pair, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, pair{d: *d, eid: d.entryID})
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	s.mu.Unlock()

	now := s.now().In(loc)
	out := make([]ArmedJob, 0, len(defs))
	for _, p := range defs {
		it := ArmedJob{
			JobID:       p.d.job.ID,
			Name:        p.d.job.Name,
			Kind:        p.d.job.Schedule.Kind(),
			Description: p.d.job.Schedule.Describe(),
		}
		// Entry talks to the run loop; never call it with s.mu held.
		if c != nil && p.eid != 0 {
			if e := c.Entry(p.eid); e.Valid() {
				it.Next, it.Prev = e.Next, e.Prev
			}
		}
		if it.Next.IsZero() {
			it.Next = p.d.job.Schedule.Next(now)
		}
		out = append(out, it)
	}
	slices.SortFunc(out, func(a, b ArmedJob) int { return cmp.Compare(a.JobID, b.JobID) })
	return out
}

// Preview returns the next n fire times of sched, evaluated in the scheduler timezone.
func (s *Service) Preview(sched job.Schedule, n int) []time.Time {
	if sched == nil || n <= 0 {
		return nil
	}
	t := s.now().In(s.location())
	out := make([]time.Time, 0, n)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// removeLocked drops id's entry from the registry and the running loop.
func (s *Service) removeLocked(id job.ID) bool {
	d, ok := s.defs[id]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, id)
	return true
}

func (s *Service) installLocked(d *armed) {
	d.entryID = s.c.Schedule(d.job.Schedule, cron.FuncJob(func() { s.fire(d) }))
}

func formatTimes(ts []time.Time) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
