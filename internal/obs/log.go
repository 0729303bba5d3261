package obs

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
	sink       = &swapWriter{w: os.Stdout}
)

// swapWriter позволяет подменять вывод логгера в тестах.
type swapWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Logger returns the shared structured JSON logger used across the service.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		h := slog.NewJSONHandler(sink, &slog.HandlerOptions{
			Level: slog.LevelInfo,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) == 0 && a.Key == slog.TimeKey {
					a.Key = "ts"
				}
				return a
			},
		})
		logger = slog.New(h)
	})
	return logger
}

// SetOutput redirects the shared logger and returns a func restoring the previous writer.
func SetOutput(w io.Writer) func() {
	sink.mu.Lock()
	prev := sink.w
	sink.w = w
	sink.mu.Unlock()
	return func() {
		sink.mu.Lock()
		sink.w = prev
		sink.mu.Unlock()
	}
}

// LogRequest emits a structured line with common HTTP fields.
func LogRequest(entry map[string]any) {
	attrs := make([]any, 0, len(entry)*2)
	for k, v := range entry {
		attrs = append(attrs, slog.Any(k, v))
	}
	Logger().Info("request_complete", attrs...)
}
