package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "asyncq/pkg/logx"
)

// fileStore keeps everything in plain files next to Path.
//
// Files:
//   - <prefix>.outcomes.jsonl     (append-only JSON Lines)
//   - <prefix>.jobs.snapshot.json (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl (append-only journal)
//
// The job journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	outcomesPath string
	outcomes     *os.File

	jobsSnapshotPath string
	jobsJournal      *os.File
	jobs             map[string]int64 // unix milli

	jobWrites    int
	compactEvery int
}

type jobRecord struct {
	Job string `json:"job"`
	At  int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	outcomesPath := prefix + ".outcomes.jsonl"
	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	of, err := os.OpenFile(outcomesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	jobs := map[string]int64{}
	if err := loadJobSnapshot(snapPath, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJobJournal(journalPath, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = of.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		outcomesPath:     outcomesPath,
		outcomes:         of,
		jobsSnapshotPath: snapPath,
		jobsJournal:      jf,
		jobs:             jobs,
		compactEvery:     1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.outcomes != nil {
		errs = append(errs, s.outcomes.Close())
		s.outcomes = nil
	}
	if s.jobsJournal != nil {
		errs = append(errs, s.compactLocked())
		errs = append(errs, s.jobsJournal.Close())
		s.jobsJournal = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendOutcome(_ context.Context, r OutcomeRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		return errors.New("outcome journal closed")
	}
	return json.NewEncoder(s.outcomes).Encode(r)
}

func (s *fileStore) RecentOutcomes(_ context.Context, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.outcomesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Ring of the last limit records.
	ring := make([]OutcomeRecord, 0, limit)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r OutcomeRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, r)
			continue
		}
		ring[next] = r
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]OutcomeRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (s *fileStore) PutJobRun(_ context.Context, job string, at time.Time) error {
	job = strings.TrimSpace(job)
	if job == "" {
		return nil
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsJournal == nil {
		return errors.New("job journal closed")
	}
	s.jobs[job] = ms

	if err := json.NewEncoder(s.jobsJournal).Encode(jobRecord{Job: job, At: ms}); err != nil {
		return err
	}
	s.jobWrites++
	if s.jobWrites%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("job journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetJobRun(_ context.Context, job string) (time.Time, bool, error) {
	job = strings.TrimSpace(job)
	if job == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.jobs[job]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.jobsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.jobsSnapshotPath); err != nil {
		return err
	}
	if err := s.jobsJournal.Truncate(0); err != nil {
		return err
	}
	_, err = s.jobsJournal.Seek(0, 2)
	return err
}

func loadJobSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJobJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r jobRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Job == "" {
			continue
		}
		out[r.Job] = r.At
	}
	return sc.Err()
}
