package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/robot-control/rbc/internal/config"
)

// Level is shared by every handler New builds so it can be changed at runtime.
var Level = new(slog.LevelVar)

// New creates the application logger.
// It always writes text to stderr; a rotated JSON file and the systemd
// journal are added when configured.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	Level.Set(level)

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       Level,
			ReplaceAttr: standardizeKeys,
		}),
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		closer = file
		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{
			Level:       Level,
			ReplaceAttr: standardizeKeys,
		}))
	}

	if cfg.Journal {
		journal, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: Level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			// Not running under systemd; stderr still works.
			slog.New(handlers[0]).Warn("systemd journal unavailable", "error", err)
		} else {
			handlers = append(handlers, journal)
		}
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// NewNop returns a no-op logger.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a configured level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// standardizeKeys renames "error" to "err".
func standardizeKeys(groups []string, a slog.Attr) slog.Attr {
	if a.Key == "error" {
		a.Key = "err"
	}
	return a
}

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
