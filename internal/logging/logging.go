// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/lumberjack/v2"
	"github.com/sirupsen/logrus"
)

// Config controls where log output goes.
type Config struct {
	// Path of the log file. Blank means DefaultPath.
	Path  string
	Level string
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB  int
	MaxBackups int
	// Stderr writes to standard error instead of a file.
	Stderr bool
	JSON   bool
}

// DefaultPath returns ~/.local/state/snapsync/snapsync.log.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "snapsync", "snapsync.log")
}

// Configure builds a logger for the daemon. The returned cleanup closes the
// rotating file. Setup problems fall back to stderr rather than failing.
func Configure(cfg Config) (*logrus.Logger, func()) {
	log := logrus.New()
	log.SetLevel(ParseLevel(cfg.Level))
	if cfg.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	w, cleanup := output(cfg)
	log.SetOutput(w)
	return log, cleanup
}

func output(cfg Config) (io.Writer, func()) {
	if cfg.Stderr {
		return os.Stderr, func() {}
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return os.Stderr, func() {}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return os.Stderr, func() {}
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	return lj, func() { _ = lj.Close() }
}

// ParseLevel maps a level name to a logrus level, defaulting to info.
func ParseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
