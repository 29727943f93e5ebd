// Package logging configures process-wide structured logging.
// Components obtain a named logger once at construction:
//
//	log := logging.GetLogger("app.xpkernel")
//	log.WithField("user_id", id).Info("credit applied")
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the handle components hold on to.
type Logger = *logrus.Entry

// Fields is re-exported so callers don't import logrus directly.
type Fields = logrus.Fields

// Config controls log output.
type Config struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	JSON   bool   `toml:"json"`   // JSON instead of text output
	Output string `toml:"output"` // stdout, stderr, discard, or a file path
}

// DefaultConfig logs at info level to stderr in text form.
func DefaultConfig() Config {
	return Config{Level: "info", Output: "stderr"}
}

var (
	mu   sync.Mutex
	base = newBase()
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Configure applies cfg to the shared logger. Loggers handed out earlier
// pick up the change since they all share the same base.
func Configure(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level, err := logrus.ParseLevel(strings.TrimSpace(strings.ToLower(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if cfg.JSON {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}
	base.SetOutput(out)
	return nil
}

func openOutput(name string) (io.Writer, error) {
	switch name {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "discard":
		return io.Discard, nil
	default:
		f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return f, nil
	}
}

// GetLogger returns a logger tagged with the component name.
func GetLogger(name string) Logger {
	return base.WithField("logger", name)
}
