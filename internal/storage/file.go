package storage

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"akari/internal/job"
	logx "akari/pkg/logx"
)

// compactEvery is the number of appended lines after which the journal is
// rewritten with one line per execution.
const compactEvery = 1000

// fileStore keeps executions in a JSON Lines journal.
//
// Every Record appends one line and the last line per id wins. Only an index
// (offset, job, status, start) is held in memory; records are read back from
// disk. Several processes may share one journal: every operation holds an
// exclusive lock on path+".lock" and first catches up with the file, reopening
// it when another process has replaced it (prune, compaction).
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	lock   *fileLock
	f      *os.File
	fi     os.FileInfo // identity of f
	size   int64       // bytes of f already indexed
	torn   bool        // f ends in a line without newline
	idx    map[string]lineRef
	writes int
}

// lineRef locates the latest line of one execution.
type lineRef struct {
	off     int64
	n       int // without the trailing newline
	jobID   job.ID
	status  job.Status
	started time.Time
}

// indexLine is the part of a line the index needs.
type indexLine struct {
	ID        string     `json:"id"`
	JobID     job.ID     `json:"job_id"`
	Status    job.Status `json:"status"`
	StartedAt time.Time  `json:"started_at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	lk, err := openLock(path + ".lock")
	if err != nil {
		return nil, errors.Wrap(err, "open journal lock")
	}

	s := &fileStore{log: log, path: path, lock: lk}
	if err := s.withLock(func() error { return nil }); err != nil {
		_ = lk.close()
		return nil, errors.Wrapf(err, "replay %s", path)
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("executions", len(s.idx)))
	return s, nil
}

// withLock runs fn holding the in-process mutex and the journal lock, after
// the index has caught up with the file on disk.
func (s *fileStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return errors.New("journal closed")
	}
	if err := s.lock.lock(); err != nil {
		return errors.Wrap(err, "lock journal")
	}
	defer func() {
		if err := s.lock.unlock(); err != nil {
			s.log.Warn("journal unlock failed", logx.Err(err))
		}
	}()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	return fn()
}

// refreshLocked reopens the journal if the path now names another file and
// indexes lines appended since the last call.
func (s *fileStore) refreshLocked() error {
	fi, err := os.Stat(s.path)
	switch {
	case err == nil && s.fi != nil && os.SameFile(fi, s.fi) && fi.Size() >= s.size:
	case err == nil || os.IsNotExist(err):
		if err := s.reopenLocked(); err != nil {
			return err
		}
	default:
		return errors.Wrap(err, "stat journal")
	}
	return s.indexTailLocked()
}

func (s *fileStore) reopenLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, "stat journal")
	}
	if s.f != nil {
		_ = s.f.Close()
		s.log.Debug("journal replaced on disk; reloading", logx.String("path", s.path))
	}
	s.f, s.fi = f, fi
	s.size, s.torn = 0, false
	s.idx = map[string]lineRef{}
	return nil
}

// indexTailLocked reads lines from s.size to EOF. Lines that do not decode
// are counted and skipped; a torn final line after a crash is expected.
func (s *fileStore) indexTailLocked() error {
	br := bufio.NewReader(io.NewSectionReader(s.f, s.size, 1<<62))
	skipped := 0
	off := s.size
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			complete := line[len(line)-1] == '\n'
			body := bytes.TrimRight(line, "\r\n")
			var il indexLine
			if !complete || len(bytes.TrimSpace(body)) == 0 {
				if !complete {
					s.torn = true
					skipped++
				}
			} else if jerr := json.Unmarshal(body, &il); jerr != nil || il.ID == "" {
				skipped++
			} else {
				s.idx[il.ID] = lineRef{off: off, n: len(body), jobID: il.JobID, status: il.Status, started: il.StartedAt}
				s.torn = false
			}
			off += int64(len(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read journal")
		}
	}
	s.size = off
	if skipped > 0 {
		s.log.Warn("skipped unreadable journal lines", logx.String("path", s.path), logx.Int("lines", skipped))
	}
	return nil
}

func (s *fileStore) readLocked(ref lineRef) (job.Execution, error) {
	buf := make([]byte, ref.n)
	if _, err := s.f.ReadAt(buf, ref.off); err != nil {
		return job.Execution{}, errors.Wrap(err, "read journal")
	}
	var e job.Execution
	if err := json.Unmarshal(buf, &e); err != nil {
		return job.Execution{}, errors.Wrap(err, "decode journal line")
	}
	return e, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	var err error
	if s.f != nil {
		err = s.f.Close()
		s.f = nil
	}
	err = errors.CombineErrors(err, s.lock.close())
	s.lock = nil
	return err
}

func (s *fileStore) Record(ctx context.Context, e job.Execution) error {
	_ = ctx
	if e.ID == "" {
		return errors.New("execution id is required")
	}
	line, err := json.Marshal(e)
	if err != nil {
		return errors.Wrapf(err, "record execution %s", e.ID)
	}
	return s.withLock(func() error {
		off := s.size
		buf := make([]byte, 0, len(line)+2)
		if s.torn {
			// Terminate the torn line so it stays a single bad line.
			buf = append(buf, '\n')
			off++
		}
		buf = append(append(buf, line...), '\n')
		if _, err := s.f.Write(buf); err != nil {
			// The file may hold a partial line now; reindex from scratch next time.
			s.fi = nil
			return errors.Wrapf(err, "record execution %s", e.ID)
		}
		s.size += int64(len(buf))
		s.torn = false
		s.idx[e.ID] = lineRef{off: off, n: len(line), jobID: e.JobID, status: e.Status, started: e.StartedAt}

		s.writes++
		if s.writes%compactEvery == 0 {
			if err := s.rewriteLocked(nil); err != nil {
				s.log.Debug("journal compact failed", logx.Err(err))
			}
		}
		return nil
	})
}

func (s *fileStore) List(ctx context.Context, f Filter) ([]job.Execution, error) {
	_ = ctx
	var out []job.Execution
	err := s.withLock(func() error {
		type hit struct {
			id  string
			ref lineRef
		}
		hits := make([]hit, 0, len(s.idx))
		for id, ref := range s.idx {
			if f.match(job.Execution{JobID: ref.jobID, Status: ref.status}) {
				hits = append(hits, hit{id, ref})
			}
		}
		slices.SortFunc(hits, func(a, b hit) int {
			if c := b.ref.started.Compare(a.ref.started); c != 0 {
				return c
			}
			return cmp.Compare(b.id, a.id)
		})
		if n := f.limit(); len(hits) > n {
			hits = hits[:n]
		}
		out = make([]job.Execution, 0, len(hits))
		for _, h := range hits {
			e, err := s.readLocked(h.ref)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *fileStore) Get(ctx context.Context, id string) (job.Execution, error) {
	_ = ctx
	var e job.Execution
	err := s.withLock(func() error {
		ref, ok := s.idx[id]
		if !ok {
			return errors.Wrapf(ErrNotFound, "id %s", id)
		}
		var err error
		e, err = s.readLocked(ref)
		return err
	})
	return e, err
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	n := 0
	err := s.withLock(func() error {
		for _, ref := range s.idx {
			if ref.started.Before(before) {
				n++
			}
		}
		if n == 0 {
			return nil
		}
		return s.rewriteLocked(func(ref lineRef) bool { return !ref.started.Before(before) })
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("executions pruned", logx.Int("count", n), logx.Time("before", before))
	}
	return n, nil
}

// rewriteLocked replaces the journal with the latest line of every execution
// keep accepts (nil keeps all). Lines are copied from disk in journal order.
func (s *fileStore) rewriteLocked(keep func(lineRef) bool) error {
	type kept struct {
		id  string
		ref lineRef
	}
	refs := make([]kept, 0, len(s.idx))
	for id, ref := range s.idx {
		if keep == nil || keep(ref) {
			refs = append(refs, kept{id, ref})
		}
	}
	slices.SortFunc(refs, func(a, b kept) int { return cmp.Compare(a.ref.off, b.ref.off) })

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	next := make(map[string]lineRef, len(refs))
	var off int64
	for _, k := range refs {
		buf := make([]byte, k.ref.n, k.ref.n+1)
		if _, err := s.f.ReadAt(buf, k.ref.off); err != nil {
			_ = f.Close()
			return errors.Wrap(err, "read journal")
		}
		if _, err := w.Write(append(buf, '\n')); err != nil {
			_ = f.Close()
			return err
		}
		ref := k.ref
		ref.off = off
		next[k.id] = ref
		off += int64(k.ref.n) + 1
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	// Readers and writers in other processes notice the new inode on their next call.
	if err := s.reopenLocked(); err != nil {
		return err
	}
	s.idx, s.size = next, off
	return nil
}
