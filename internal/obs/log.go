package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	logMu  sync.RWMutex
	out    = &lockedWriter{w: os.Stdout}
	level  = new(slog.LevelVar)
	logger = newLogger(nil)
	attrs  []any
)

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) swap(w io.Writer) io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.w
	l.w = w
	return prev
}

func newLogger(base []any) *slog.Logger {
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 {
				switch a.Key {
				case slog.TimeKey:
					a.Key = "ts"
					a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))
				case slog.LevelKey:
					a.Value = slog.StringValue(strings.ToLower(a.Value.String()))
				}
			}
			return a
		},
	})
	return slog.New(h).With(base...)
}

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// SetOutput redirects every log line and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	return out.swap(w)
}

// SetLevel accepts debug, info, warn or error.
func SetLevel(name string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	level.Set(l)
	return nil
}

// SetService stamps service and version on every subsequent log line.
func SetService(name, version string) {
	logMu.Lock()
	defer logMu.Unlock()
	attrs = []any{slog.String("service", name), slog.String("version", version)}
	logger = newLogger(attrs)
}

// LogEntry emits entry as a single JSON line next to the slog output. Used
// for request and audit lines whose keys are fixed by their consumers.
func LogEntry(entry map[string]any) {
	logMu.RLock()
	for _, v := range attrs {
		if a, ok := v.(slog.Attr); ok {
			if _, set := entry[a.Key]; !set {
				entry[a.Key] = a.Value.Any()
			}
		}
	}
	logMu.RUnlock()
	data, err := json.Marshal(entry)
	if err != nil {
		_, _ = out.Write([]byte(`{"ts":"error","level":"error","msg":"log marshal failed"}` + "\n"))
		return
	}
	_, _ = out.Write(append(data, '\n'))
}
