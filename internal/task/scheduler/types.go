package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"akari/internal/job"
	"akari/internal/task/engine"
)

const DefaultMisfireGrace = 60 * time.Second

// ErrNotArmed is returned by operations that need an armed job.
var ErrNotArmed = errors.New("job not armed")

// Config controls the trigger engine.
type Config struct {
	// Enabled gates the timer loop. Jobs may still be armed while disabled;
	// they are installed once it is enabled and started.
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// MisfireGrace is how late a fire may be observed and still run.
	MisfireGrace time.Duration
}

// Dispatcher receives fires. engine.Service implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, j job.Job) (*engine.Handle, error)
}

// armed is one installed trigger. A fire only dispatches while its armed value
// is still the one registered for the job id, so a re-armed job never runs on
// the old timer.
type armed struct {
	job     job.Job
	entryID cron.EntryID
	armedAt time.Time
}

// ArmedJob is the introspection view of one armed entry.
type ArmedJob struct {
	JobID       job.ID
	Name        string
	Kind        job.Kind
	Description string
	Next        time.Time
	Prev        time.Time
}

type Snapshot struct {
	Enabled      bool
	Running      bool
	Timezone     string
	MisfireGrace time.Duration
	Armed        []ArmedJob
	Missed       uint64
	Rejected     uint64
}

// warnLimiter throttles repeated warnings per job.
type warnLimiter struct {
	every time.Duration
	m     map[job.ID]*rate.Limiter
}

func (w *warnLimiter) allow(id job.ID) bool {
	if w.m == nil {
		w.m = make(map[job.ID]*rate.Limiter)
	}
	l := w.m[id]
	if l == nil {
		l = rate.NewLimiter(rate.Every(w.every), 1)
		w.m[id] = l
	}
	return l.Allow()
}

func (w *warnLimiter) forget(id job.ID) { delete(w.m, id) }
