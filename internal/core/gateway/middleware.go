package gateway

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"corsgate/internal/core/errors"
	"corsgate/internal/logging"
)

type ctxKey int

const (
	requestInfoKey ctxKey = iota
	targetKey
)

// requestInfo is filled in while a request is handled and read back by the
// access log.
type requestInfo struct {
	id       string
	upstream string
	source   string
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey).(*requestInfo)
	return info
}

// requestLogger returns a logger carrying the request id.
func (g *Gateway) requestLogger(r *http.Request) *logging.Logger {
	if info := requestInfoFrom(r.Context()); info != nil {
		return g.logger.With(logging.String("request_id", info.id))
	}
	return g.logger
}

// loggingMiddleware assigns a request id and writes one access log entry per
// request. The id is only used for log correlation and is never forwarded.
func (g *Gateway) loggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			info := &requestInfo{id: r.Header.Get("X-Request-ID")}
			if info.id == "" {
				info.id = uuid.NewString()
			}
			r = r.WithContext(context.WithValue(r.Context(), requestInfoKey, info))

			// Create a response writer wrapper to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			fields := []logging.Field{
				logging.String("request_id", info.id),
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.String("remote_addr", r.RemoteAddr),
				logging.Int("status_code", wrapped.statusCode),
				logging.Duration("duration", duration),
				logging.Int64("bytes", wrapped.bytes),
			}
			if info.upstream != "" {
				fields = append(fields,
					logging.String("upstream", info.upstream),
					logging.String("source", info.source))
			}
			g.logger.Info("HTTP request", fields...)

			g.metrics.RecordRequest(r.Method, wrapped.statusCode, duration)
		})
	}
}

// metricsMiddleware tracks requests in flight
func (g *Gateway) metricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.metrics.TrackRequestInFlight(true)
			defer g.metrics.TrackRequestInFlight(false)
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500. http.ErrAbortHandler is
// re-raised so net/http can abort the connection.
func (g *Gateway) recoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped, ok := w.(*responseWriter)
			if !ok {
				wrapped = &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				g.requestLogger(r).Error("Handler panic", nil,
					logging.Any("panic", rec),
					logging.Stack("stack"))
				if !wrapped.wroteHeader && !wrapped.hijacked {
					_ = errors.ErrInternal.WriteHTTP(wrapped)
				}
			}()
			next.ServeHTTP(wrapped, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	hijacked    bool
	bytes       int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader && code >= http.StatusOK {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Hijack records the switch to a raw connection. The status is logged as 101
// even when the connection is closed without a response.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(rw.ResponseWriter).Hijack()
	if err == nil {
		rw.hijacked = true
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

// Unwrap lets http.ResponseController reach Flush and deadlines.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
