package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "broadcastbot/pkg/logx"
)

const runsIndexFile = "runs.json"

// fileStore keeps runs under one directory:
//   - runs.json          run metadata, replaced atomically (tmp + rename)
//   - <run id>.jsonl     append-only progress log, fsynced per record
type fileStore struct {
	dir string
	log logx.Logger

	mu   sync.Mutex
	runs map[string]Run
	logs map[string]*runLog
}

type runLog struct {
	f    *os.File
	seq  int64
	done map[string]Status
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{dir: dir, log: log, runs: map[string]Run{}, logs: map[string]*runLog{}}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) loadIndex() error {
	b, err := os.ReadFile(filepath.Join(s.dir, runsIndexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var runs []Run
	if err := json.Unmarshal(b, &runs); err != nil {
		return fmt.Errorf("decode %s: %w", runsIndexFile, err)
	}
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	return nil
}

func (s *fileStore) writeIndexLocked() error {
	runs := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })

	b, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, runsIndexFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
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
	return os.Rename(tmp, path)
}

func (s *fileStore) logPath(runID string) string {
	return filepath.Join(s.dir, runID+".jsonl")
}

// openLogLocked replays the run log once and keeps it open for appends.
// A torn trailing line from a crash is cut off before appending.
func (s *fileStore) openLogLocked(runID string) (*runLog, error) {
	if l := s.logs[runID]; l != nil {
		return l, nil
	}
	path := s.logPath(runID)
	l := &runLog{done: map[string]Status{}}

	recs, validSize, err := readRecords(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, r := range recs {
		if _, dup := l.done[r.Address]; !dup {
			l.done[r.Address] = r.Status
		}
		l.seq = max(l.seq, r.Seq)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if st, err := f.Stat(); err == nil && st.Size() > validSize {
		s.log.Warn("truncating torn progress log tail", logx.String("run", runID), logx.Int64("bytes", st.Size()-validSize))
		if err := f.Truncate(validSize); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}
	l.f = f
	s.logs[runID] = l
	return l, nil
}

// readRecords parses a run log. validSize is the length of the prefix made
// of complete lines.
func readRecords(path string) ([]Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		recs      []Record
		validSize int64
	)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			validSize += int64(len(line))
			var rec Record
			if jerr := json.Unmarshal(bytes.TrimSpace(line), &rec); jerr == nil && rec.Address != "" {
				recs = append(recs, rec)
			}
		}
		if err == io.EOF {
			return recs, validSize, nil
		}
		if err != nil {
			return recs, validSize, err
		}
	}
}

func (s *fileStore) CreateRun(_ context.Context, r Run) error {
	if err := validRunID(r.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.Status == "" {
		r.Status = RunSending
	}
	s.runs[r.ID] = r
	if err := s.writeIndexLocked(); err != nil {
		delete(s.runs, r.ID)
		return err
	}
	return nil
}

func (s *fileStore) UpdateRunStatus(_ context.Context, runID string, status RunStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	prev := r
	r.Status = status
	r.UpdatedAt = at
	if status.Finished() {
		r.FinishedAt = at
	} else {
		r.FinishedAt = time.Time{}
	}
	s.runs[runID] = r
	if err := s.writeIndexLocked(); err != nil {
		s.runs[runID] = prev
		return err
	}
	if status.Finished() {
		s.evictLocked(runID)
	}
	return nil
}

// evictLocked closes a cached run log. The next access replays it from disk,
// which also cuts a torn tail.
func (s *fileStore) evictLocked(runID string) {
	l := s.logs[runID]
	if l == nil {
		return
	}
	delete(s.logs, runID)
	if err := l.f.Close(); err != nil {
		s.log.Warn("close progress log failed", logx.String("run", runID), logx.Err(err))
	}
}

func (s *fileStore) GetRun(_ context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

func (s *fileStore) ListRuns(_ context.Context, f ListFilter) ([]Run, error) {
	s.mu.Lock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		if f.match(r) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fileStore) RecordAttempt(_ context.Context, runID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	l, err := s.openLogLocked(runID)
	if err != nil {
		return err
	}
	if _, dup := l.done[rec.Address]; dup {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, rec.Address)
	}
	rec.RunID = runID
	rec.Seq = l.seq + 1
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(append(b, '\n')); err != nil {
		s.evictLocked(runID)
		return err
	}
	if err := l.f.Sync(); err != nil {
		s.evictLocked(runID)
		return err
	}
	l.seq = rec.Seq
	l.done[rec.Address] = rec.Status
	return nil
}

func (s *fileStore) LoadCompleted(_ context.Context, runID string) (map[string]Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if l := s.logs[runID]; l != nil {
		out := make(map[string]Status, len(l.done))
		for k, v := range l.done {
			out[k] = v
		}
		return out, nil
	}
	recs, _, err := readRecords(s.logPath(runID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	out := make(map[string]Status, len(recs))
	for _, r := range recs {
		if _, dup := out[r.Address]; !dup {
			out[r.Address] = r.Status
		}
	}
	return out, nil
}

func (s *fileStore) Records(_ context.Context, runID string) ([]Record, error) {
	s.mu.Lock()
	_, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	recs, _, err := readRecords(s.logPath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return recs, err
}

func (s *fileStore) ExportLog(ctx context.Context, runID string, w io.Writer) error {
	return exportRecords(ctx, s, runID, w)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, l := range s.logs {
		if err := l.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(s.logs, id)
	}
	return errors.Join(errs...)
}
