// Package api serves the operator HTTP surface of the bridge: JSON intents
// routed through the gateway facade and a Server-Sent-Events stream of
// everything the controller and solver report.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sixar-robotics/armbridge/internal/gateway"
	"github.com/sixar-robotics/armbridge/internal/monitoring"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// RequestIDHeader carries the id assigned to each request.
const RequestIDHeader = "X-Request-Id"

type Server struct {
	facade *gateway.Facade
}

func NewServer(facade *gateway.Facade) *Server {
	return &Server{facade: facade}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware tags each request with an id and logs method, path,
// status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return logRequests(next, func(format string, v ...interface{}) {
		monitoring.Logf(format, v...)
	})
}

func logRequests(next http.Handler, logf func(format string, v ...interface{})) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms id=%s",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6, id,
		)
	})
}

// ServeMux returns the API routes. Callers typically add /debug/ routes to
// the same mux and wrap it in LoggingMiddleware.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/solver", s.handleSolver)
	mux.HandleFunc("/api/ik", s.handleIK)
	mux.HandleFunc("/api/fk", s.handleFK)
	mux.HandleFunc("/api/profile/linear", s.handleProfileLinear)
	mux.HandleFunc("/api/profile/upload", s.handleProfileUpload)
	mux.HandleFunc("/api/batch", s.handleBatch)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/sync-move", s.handleSyncMove)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/version", s.handleVersion)
	return mux
}
