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

	logx "jobflow/pkg/logx"
)

// recentCap bounds the in-memory tail kept by the file journal.
const recentCap = 1000

// fileJournal appends entries to <prefix>.journal.jsonl and keeps the newest
// recentCap entries in memory for Recent.
type fileJournal struct {
	log logx.Logger

	mu     sync.Mutex
	f      *os.File
	recent []Entry // oldest first
}

func openFile(cfg Config, log logx.Logger) (Journal, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journalPath := filepath.Join(dir, base) + ".journal.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var recent []Entry
	if err := replayJournal(journalPath, &recent); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileJournal{log: log, f: f, recent: recent}, nil
}

func (s *fileJournal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileJournal) Append(ctx context.Context, e Entry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("journal file closed")
	}
	if err := json.NewEncoder(s.f).Encode(e); err != nil {
		return err
	}
	s.recent = appendBounded(s.recent, e)
	return nil
}

func (s *fileJournal) Recent(ctx context.Context, channel string, limit int) ([]Entry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, min(limit, len(s.recent)))
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if channel == "" || s.recent[i].Channel == channel {
			out = append(out, s.recent[i])
		}
	}
	return out, nil
}

func appendBounded(buf []Entry, e Entry) []Entry {
	buf = append(buf, e)
	if len(buf) > recentCap {
		buf = append([]Entry(nil), buf[len(buf)-recentCap:]...)
	}
	return buf
}

func replayJournal(path string, out *[]Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		*out = appendBounded(*out, e)
	}
	return sc.Err()
}
