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

	logx "wagate/pkg/logx"
)

// fileStore is a dependency-free ledger backend.
//
// Files:
//   - <prefix>.jobs.jsonl    (append-only JSON Lines)
//   - <prefix>.session.jsonl (append-only JSON Lines)
//
// Prune rewrites a file in place through a temp file swap.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	jobsPath    string
	sessionPath string
	jobsFile    *os.File
	sessionFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jobsPath := prefix + ".jobs.jsonl"
	sessionPath := prefix + ".session.jsonl"

	jf, err := os.OpenFile(jobsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	sf, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		log:         log,
		jobsPath:    jobsPath,
		sessionPath: sessionPath,
		jobsFile:    jf,
		sessionFile: sf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.jobsFile != nil {
		err1 = s.jobsFile.Close()
		s.jobsFile = nil
	}
	if s.sessionFile != nil {
		err2 = s.sessionFile.Close()
		s.sessionFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendJob(ctx context.Context, r JobRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return errors.New("jobs ledger closed")
	}
	return json.NewEncoder(s.jobsFile).Encode(r)
}

func (s *fileStore) AppendSession(ctx context.Context, e SessionEvent) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionFile == nil {
		return errors.New("session ledger closed")
	}
	return json.NewEncoder(s.sessionFile).Encode(e)
}

func (s *fileStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.jobsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []JobRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r JobRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		all = append(all, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// newest first
	out := make([]JobRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pruneFileLocked(s.jobsPath, &s.jobsFile, func(line []byte) bool {
		var r JobRecord
		if json.Unmarshal(line, &r) != nil {
			return false // unparsable lines are dropped
		}
		return !r.At.Before(before)
	}); err != nil {
		return err
	}
	return s.pruneFileLocked(s.sessionPath, &s.sessionFile, func(line []byte) bool {
		var e SessionEvent
		if json.Unmarshal(line, &e) != nil {
			return false
		}
		return !e.At.Before(before)
	})
}

// pruneFileLocked rewrites path keeping only lines the filter accepts, then
// swaps the temp file in and reopens the append handle.
func (s *fileStore) pruneFileLocked(path string, handle **os.File, keep func([]byte) bool) error {
	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	tmp := path + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = src.Close()
		return err
	}

	w := bufio.NewWriter(dst)
	sc := bufio.NewScanner(src)
	for sc.Scan() {
		if keep(sc.Bytes()) {
			_, _ = w.Write(sc.Bytes())
			_ = w.WriteByte('\n')
		}
	}
	scanErr := sc.Err()
	_ = src.Close()
	if scanErr != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return scanErr
	}
	if err := w.Flush(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if *handle != nil {
		_ = (*handle).Close()
		*handle = nil
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	*handle = f
	return nil
}
