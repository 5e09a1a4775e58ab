package job

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Kind tags the two schedule variants.
type Kind int

const (
	KindCron Kind = iota + 1
	KindInterval
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// Schedule is a sealed sum type: the only implementations are Cron and
// Interval, and the only way to obtain a usable one is NewCron/NewInterval.
//
// Every Schedule is also a cron.Schedule, so the trigger engine can install it
// directly.
type Schedule interface {
	cron.Schedule
	Kind() Kind
	// Describe returns the human-readable form shown by introspection,
	// e.g. "Cron: */5 * * * *" or "Interval: 30s".
	Describe() string
	valid() error
}

// crontab parser: minute hour dom month dow. No seconds field, no descriptors.
var crontab = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Cron is a five-field recurrence rule.
type Cron struct {
	expr  string
	sched cron.Schedule
}

// NewCron parses a five-field crontab expression.
func NewCron(expr string) (Cron, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Cron{}, errors.Mark(errors.New("cron expression required"), ErrInvalidSchedule)
	}
	if n := len(strings.Fields(expr)); n != 5 {
		return Cron{}, errors.Mark(errors.Newf("invalid cron expression %q: expected 5 fields, got %d", expr, n), ErrInvalidSchedule)
	}
	sched, err := crontab.Parse(expr)
	if err != nil {
		return Cron{}, errors.Mark(errors.Wrapf(err, "invalid cron expression %q", expr), ErrInvalidSchedule)
	}
	// The parser accepts dates that never occur, such as 31 February.
	if sched.Next(time.Now()).IsZero() {
		return Cron{}, errors.Mark(errors.Newf("cron expression %q never fires", expr), ErrInvalidSchedule)
	}
	return Cron{expr: expr, sched: sched}, nil
}

func (c Cron) Kind() Kind       { return KindCron }
func (c Cron) Expr() string     { return c.expr }
func (c Cron) Describe() string { return "Cron: " + c.expr }
func (c Cron) String() string   { return c.expr }

func (c Cron) Next(t time.Time) time.Time {
	if c.sched == nil {
		return time.Time{}
	}
	return c.sched.Next(t)
}

func (c Cron) valid() error {
	if c.sched == nil {
		return errors.Mark(errors.New("cron schedule not parsed"), ErrInvalidSchedule)
	}
	return nil
}

// Interval fires every Every, counted from the moment it is armed. Unlike
// cron.Every it keeps sub-second offsets, so a fire never comes early.
type Interval struct {
	every time.Duration
}

// NewInterval builds an interval schedule of the given number of seconds.
func NewInterval(seconds int) (Interval, error) {
	if seconds <= 0 {
		return Interval{}, errors.Mark(errors.Newf("interval must be > 0 seconds, got %d", seconds), ErrInvalidSchedule)
	}
	return Interval{every: time.Duration(seconds) * time.Second}, nil
}

func (i Interval) Kind() Kind           { return KindInterval }
func (i Interval) Every() time.Duration { return i.every }
func (i Interval) Seconds() int         { return int(i.every / time.Second) }
func (i Interval) Describe() string     { return "Interval: " + strconv.Itoa(i.Seconds()) + "s" }
func (i Interval) String() string       { return "@every " + i.every.String() }

func (i Interval) Next(t time.Time) time.Time {
	if i.every <= 0 {
		return time.Time{}
	}
	return t.Add(i.every)
}

func (i Interval) valid() error {
	if i.every < time.Second {
		return errors.Mark(errors.New("interval must be >= 1s"), ErrInvalidSchedule)
	}
	return nil
}

// ParseSchedule builds a Schedule from the loose (cron, interval) pair used by
// job sources. Exactly one of them must be set.
func ParseSchedule(cronExpr string, intervalSeconds int) (Schedule, error) {
	hasCron := strings.TrimSpace(cronExpr) != ""
	hasInterval := intervalSeconds != 0
	switch {
	case hasCron && hasInterval:
		return nil, errors.Mark(errors.New("set either cron or interval_seconds, not both"), ErrInvalidSchedule)
	case hasCron:
		return NewCron(cronExpr)
	case hasInterval:
		return NewInterval(intervalSeconds)
	default:
		return nil, errors.Mark(errors.New("schedule required: set cron or interval_seconds"), ErrInvalidSchedule)
	}
}
