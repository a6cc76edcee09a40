// Package logging configures the logrus logger shared by the CA daemon,
// its façades, the scheduler and the HTTP API, and adds the two call
// patterns that recur across those layers: tagging a log line with the
// aggregate it concerns, and recording one line per HTTP request.
package logging

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger embeds *logrus.Logger so callers depend on this package's type
// rather than logrus directly, while still reaching every logrus method.
type Logger struct {
	*logrus.Logger
}

// Config controls logger construction.
type Config struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

func parseLevel(raw string) logrus.Level {
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func formatterFor(raw string) logrus.Formatter {
	if strings.ToLower(raw) == "json" {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

// outputFor resolves cfg.Output to a writer. "file" tees to stdout plus
// logs/<prefix>.log; anything else (including empty) is plain stdout. A
// directory-creation or open failure falls back to stdout rather than
// losing log output entirely.
func outputFor(cfg Config) io.Writer {
	if strings.ToLower(cfg.Output) != "file" {
		return os.Stdout
	}
	prefix := cfg.FilePrefix
	if prefix == "" {
		prefix = "krillgo"
	}
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return os.Stdout
	}
	file, err := os.OpenFile(filepath.Join("logs", prefix+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, file)
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()
	l.SetLevel(parseLevel(cfg.Level))
	l.SetFormatter(formatterFor(cfg.Format))
	l.SetOutput(outputFor(cfg))
	return &Logger{Logger: l}
}

// NewDefault returns an info-level, text-formatted stdout logger for call
// sites (tests, one-off tools) that don't thread a Config through. The
// component argument is not attached to the lines the logger writes.
func NewDefault(component string) *Logger {
	return &Logger{Logger: New(Config{Level: "info", Format: "text", Output: "stdout"}).WithField("component", component).Logger}
}

// WithAggregate tags a log line with the namespace ("ca" or "pubd") and
// handle of the aggregate a façade or scheduler task is acting on, the
// pairing almost every non-HTTP log line in this system carries.
func (l *Logger) WithAggregate(namespace, handle string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"aggregate": namespace, "handle": handle})
}

// HTTPMiddleware logs one line per request: method, path, status and
// latency. Status defaults to 200 if the handler never calls WriteHeader,
// matching net/http's own behavior.
func (l *Logger) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		l.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Info("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
