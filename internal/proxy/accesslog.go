package proxy

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type AccessLog struct {
	Time         time.Time `json:"time"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	Route        string    `json:"route,omitempty"`
	Service      string    `json:"service,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	Attempts     string    `json:"attempts,omitempty"`
	Redirected   string    `json:"redirected,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
}

// filter keeps only the named fields, keyed by their JSON names.
func (e AccessLog) filter(fields []string) map[string]any {
	all := map[string]any{
		"time":          e.Time,
		"method":        e.Method,
		"path":          e.Path,
		"protocol":      e.Protocol,
		"status":        e.Status,
		"duration_ms":   e.Duration,
		"remote_ip":     e.RemoteIP,
		"user_agent":    e.UserAgent,
		"referer":       e.Referer,
		"route":         e.Route,
		"service":       e.Service,
		"upstream":      e.Upstream,
		"attempts":      e.Attempts,
		"redirected":    e.Redirected,
		"bytes_written": e.BytesWritten,
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := all[f]; ok {
			m[f] = v
		}
	}
	return m
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// OpenAccessLog resolves an access_log.path: "stdout", "stderr", "off" or a
// file opened for append.
func OpenAccessLog(path string) (io.WriteCloser, error) {
	switch strings.ToLower(path) {
	case "", "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	case "off":
		return nopCloser{io.Discard}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open access log: %w", err)
	}
	return f, nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// pageWriter serves an error page under the configured status. The page's own
// status is kept when it is not a success, so a missing page still reads as one.
type pageWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *pageWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if code < 300 {
		code = w.status
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *pageWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *pageWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
