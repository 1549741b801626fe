package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// DefaultFilePath is used when the file sink is enabled without a path.
const DefaultFilePath = "./jobflow.log"

// Service owns the process log sinks. The logging section of the config is
// the only one jobflow reloads live, through Apply.
type Service struct {
	mu   sync.Mutex
	root atomic.Pointer[zerolog.Logger]
	file *os.File
}

// New builds the sinks for cfg. If the log file cannot be opened the service
// falls back to the console and says so on the returned logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	fallback := build(consoleWriter(), cfg.Level)
	s.root.Store(&fallback)

	log := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		log.Warn("log file unavailable, writing to console", Err(err))
	}
	return s, log
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply replaces level and sinks. Loggers derived from the service pick the
// change up on their next entry. When the file cannot be opened the console
// is used and the error returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var (
		sinks   []io.Writer
		openErr error
	)
	if cfg.Console {
		sinks = append(sinks, consoleWriter())
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			openErr = fmt.Errorf("open log file %q: %w", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter())
	}

	zl := build(zerolog.MultiLevelWriter(sinks...), cfg.Level)
	s.root.Store(&zl)
	return openErr
}

// Close releases the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:          os.Stdout,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
