package config

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"akari/internal/job"
)

// Job converts the declaration into a validated job.Job, applying the
// defaults for timeout and max_concurrent. Schedule errors match
// job.ErrInvalidSchedule.
func (jc JobConfig) Job() (job.Job, error) {
	if jc.ID <= 0 {
		return job.Job{}, errors.Newf("id must be > 0, got %d", jc.ID)
	}
	sched, err := job.ParseSchedule(jc.Cron, jc.IntervalSeconds)
	if err != nil {
		return job.Job{}, err
	}
	if jc.Timeout < 0 {
		return job.Job{}, errors.Newf("timeout must be >= 0, got %d", jc.Timeout)
	}
	if jc.MaxConcurrent < 0 {
		return job.Job{}, errors.Newf("max_concurrent must be >= 0, got %d", jc.MaxConcurrent)
	}
	timeout := time.Duration(jc.Timeout) * time.Second
	if timeout == 0 {
		timeout = job.DefaultTimeout
	}
	maxc := jc.MaxConcurrent
	if maxc == 0 {
		maxc = job.DefaultMaxConcurrent
	}
	j := job.Job{
		ID:            job.ID(jc.ID),
		Name:          strings.TrimSpace(jc.Name),
		Command:       strings.TrimSpace(jc.Command),
		Args:          slices.Clone(jc.Args),
		Schedule:      sched,
		Enabled:       jc.IsEnabled(),
		Timeout:       timeout,
		MaxConcurrent: maxc,
	}
	if err := j.Validate(); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

// BuildJobs converts every declaration. Ids must be unique. The result is
// ordered by id.
func (c *Config) BuildJobs() ([]job.Job, error) {
	if c == nil {
		return nil, nil
	}
	out := make([]job.Job, 0, len(c.Jobs))
	seen := make(map[int64]int, len(c.Jobs))
	for i, jc := range c.Jobs {
		if prev, dup := seen[jc.ID]; dup {
			return nil, errors.Newf("jobs[%d]: duplicate id %d (also jobs[%d])", i, jc.ID, prev)
		}
		seen[jc.ID] = i
		j, err := jc.Job()
		if err != nil {
			return nil, errors.Wrapf(err, "jobs[%d]", i)
		}
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b job.Job) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// JobDiff is the set of changes between two job lists.
type JobDiff struct {
	Added   []job.Job
	Changed []job.Job
	Removed []job.ID
}

func (d JobDiff) Empty() bool { return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0 }

// DiffJobs compares job lists by id. Changed holds the new definitions.
func DiffJobs(prev, next []job.Job) JobDiff {
	old := make(map[job.ID]job.Job, len(prev))
	for _, j := range prev {
		old[j.ID] = j
	}
	var d JobDiff
	for _, j := range next {
		o, ok := old[j.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, j)
		case !o.Equal(j):
			d.Changed = append(d.Changed, j)
		}
		delete(old, j.ID)
	}
	for id := range old {
		d.Removed = append(d.Removed, id)
	}
	slices.Sort(d.Removed)
	return d
}
