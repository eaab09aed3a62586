package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	DefaultFilePath = "./wabatch.log"
)

func init() {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
}

type Config struct {
	Level   string
	Console bool
	// JSON switches the console sink from the pretty writer to JSON lines,
	// which journald and log shippers parse directly.
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks and lets them be swapped while loggers derived
// from it keep working.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	cur atomic.Pointer[zerolog.Logger]
}

// New builds a Service from cfg and returns it together with its root
// logger. A sink that cannot be opened is reported through that logger and
// the console takes its place.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	fallback := build(prettyWriter(Stdout()), cfg.Level)
	s.cur.Store(&fallback)

	root := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		root.Warn("log sink unavailable, using console", Err(err))
	}
	return s, root
}

func (s *Service) load() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps level and sinks. On a file error the remaining sinks (or the
// console) are installed and the error is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var (
		sinks   []io.Writer
		fileErr error
	)
	if cfg.Console {
		sinks = append(sinks, s.consoleSink(cfg))
	}
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fileErr = err
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, s.consoleSink(cfg))
	}

	zl := build(zerolog.MultiLevelWriter(sinks...), cfg.Level)
	s.cur.Store(&zl)
	return fileErr
}

func (s *Service) consoleSink(cfg Config) io.Writer {
	if cfg.JSON {
		return Stdout()
	}
	return prettyWriter(Stdout())
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultFilePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log file %q: %w", path, err)
	}
	return f, nil
}

func build(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

func prettyWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// ParseLevel maps a config level name to a zerolog level; unknown names
// fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Stdout is the console sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr is where CLI diagnostics go.
func Stderr() io.Writer { return os.Stderr }
