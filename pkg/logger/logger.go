// Package logger owns the process-wide slog loggers.
//
// Two streams exist: the application stream (stdout, stderr or files) and
// the audit stream that records task and plan outcomes. Every file sink is
// rotated by lumberjack.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes the application stream.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	// Rotation applies to file entries in OutputPaths.
	Rotation Rotation
	Audit    AuditConfig
}

// AuditConfig enables the audit stream and sets its rotation policy.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (a AuditConfig) rotation() Rotation {
	return Rotation{MaxSizeMB: a.MaxSizeMB, MaxBackups: a.MaxBackups, MaxAgeDays: a.MaxAgeDays, Compress: a.Compress}
}

// Rotation mirrors the lumberjack knobs. Zero fields take package defaults.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (r Rotation) writer(path string) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", path, err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    positiveOr(r.MaxSizeMB, 100),
		MaxBackups: positiveOr(r.MaxBackups, 7),
		MaxAge:     positiveOr(r.MaxAgeDays, 30),
		Compress:   r.Compress,
	}, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// sinks is one fully built logger pair plus the files it holds open.
type sinks struct {
	app     *slog.Logger
	audit   *slog.Logger
	level   *slog.LevelVar
	closers []io.Closer
}

func (s *sinks) close() error {
	var err error
	for _, c := range s.closers {
		err = errors.Join(err, c.Close())
	}
	s.closers = nil
	return err
}

var (
	mu      sync.RWMutex
	current *sinks
)

// Init installs the global loggers. Calls after the first successful one are
// ignored so that library code cannot clobber the binary's configuration.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return nil
	}
	built, err := build(cfg)
	if err != nil {
		return err
	}
	current = built
	slog.SetDefault(built.app)
	return nil
}

func build(cfg Config) (*sinks, error) {
	s := &sinks{level: new(slog.LevelVar)}
	s.level.Set(parseLevel(cfg.Level))

	out, err := s.open(cfg.OutputPaths, cfg.Rotation)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	s.app = slog.New(newHandler(cfg.Format, out, &slog.HandlerOptions{Level: s.level, AddSource: true}))
	s.audit = s.app

	if cfg.Audit.Enabled {
		if strings.TrimSpace(cfg.Audit.Path) == "" {
			_ = s.close()
			return nil, errors.New("audit log path cannot be empty when enabled")
		}
		w, err := cfg.Audit.rotation().writer(cfg.Audit.Path)
		if err != nil {
			_ = s.close()
			return nil, err
		}
		s.closers = append(s.closers, w)
		s.audit = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With(slog.String("stream", "audit"))
	}
	return s, nil
}

// open resolves output names. "stdout" and "stderr" are the standard streams;
// anything else is a rotated file.
func (s *sinks) open(paths []string, rot Rotation) (io.Writer, error) {
	var writers []io.Writer
	for _, p := range paths {
		switch name := strings.TrimSpace(p); strings.ToLower(name) {
		case "", "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			w, err := rot.writer(name)
			if err != nil {
				return nil, err
			}
			s.closers = append(s.closers, w)
			writers = append(writers, w)
		}
	}
	switch len(writers) {
	case 0:
		return os.Stdout, nil
	case 1:
		return writers[0], nil
	default:
		return io.MultiWriter(writers...), nil
	}
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func active() *sinks {
	mu.RLock()
	s := current
	mu.RUnlock()
	if s != nil {
		return s
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// L returns the application logger, initialising a stdout JSON logger on
// first use if Init was never called.
func L() *slog.Logger {
	if s := active(); s != nil {
		return s.app
	}
	return slog.Default()
}

// Audit returns the audit logger, or the application logger when the audit
// stream is disabled.
func Audit() *slog.Logger {
	if s := active(); s != nil {
		return s.audit
	}
	return L()
}

// Named tags the application logger with a component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes every file sink opened by Init. Loggers stay usable but writes
// to closed files are reopened by lumberjack on demand.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	return current.close()
}
