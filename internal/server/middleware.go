package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/metrics"
	"github.com/watzon/tracery/internal/requestctx"
	"github.com/watzon/tracery/internal/server/handlers"
)

// RecoveryMiddleware turns a handler panic into a 500 InternalError body.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", requestctx.RequestID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("Handler panicked")
			handlers.InternalError(w, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestIDMiddleware attaches the request, user and correlation ids to the
// request context. A missing request id is generated, and both the request
// and correlation ids are echoed on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestctx.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := requestctx.FromHeaders(requestctx.WithRequestID(r.Context(), id), r.Header)

		w.Header().Set(requestctx.RequestIDHeader, id)
		if cid := requestctx.CorrelationID(ctx); cid != "" {
			w.Header().Set(requestctx.CorrelationIDHeader, cid)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware writes one line per request. Probe endpoints log at
// debug, server errors at warn.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)
		next.ServeHTTP(rec, r)

		log.WithLevel(requestLevel(r.URL.Path, rec.status)).
			Str("request_id", requestctx.RequestID(r.Context())).
			Str("user_id", requestctx.UserID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", r.Pattern).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("Request completed")
	})
}

func requestLevel(path string, status int) zerolog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zerolog.WarnLevel
	case path == "/metrics" || strings.HasPrefix(path, "/health"):
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// statusRecorder remembers the status and byte count written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is needed by the execution stream websocket upgrade.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("%T cannot be hijacked", w.ResponseWriter)
	}
	return hj.Hijack()
}

func (w *statusRecorder) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

// corsPolicy is a CORSConfig with its header values joined once.
type corsPolicy struct {
	anyOrigin   bool
	origins     map[string]bool
	credentials bool
	exposed     string
	methods     string
	headers     string
	maxAge      string
}

func newCORSPolicy(cfg config.CORSConfig) *corsPolicy {
	p := &corsPolicy{
		origins:     make(map[string]bool, len(cfg.AllowedOrigins)),
		credentials: cfg.AllowCredentials,
		exposed:     strings.Join(cfg.ExposedHeaders, ", "),
		methods:     strings.Join(cfg.AllowedMethods(), ", "),
		headers:     strings.Join(cfg.AllowedHeaders(), ", "),
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.anyOrigin = true
		}
		p.origins[o] = true
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	}
	return p
}

func (p *corsPolicy) allows(origin string) bool {
	return origin != "" && (p.anyOrigin || p.origins[origin])
}

func setIf(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

// CORSMiddleware answers preflight requests itself and decorates every
// response from an allowed origin.
func CORSMiddleware(cfg config.CORSConfig) Middleware {
	policy := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")
			if origin := r.Header.Get("Origin"); policy.allows(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				if policy.credentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				setIf(h, "Access-Control-Expose-Headers", policy.exposed)
			}

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			setIf(h, "Access-Control-Allow-Methods", policy.methods)
			setIf(h, "Access-Control-Allow-Headers", policy.headers)
			setIf(h, "Access-Control-Max-Age", policy.maxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// MaxBodySizeMiddleware rejects declared oversize bodies up front and caps
// the rest while they are read.
func MaxBodySizeMiddleware(maxSize int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				handlers.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					fmt.Sprintf("request body exceeds %d bytes", maxSize))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request counts and latency labelled by route
// pattern. The mux sets the pattern on the request it receives, so every
// middleware between this one and the mux must pass the same *http.Request.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		metrics.IncrementInFlight()
		defer metrics.DecrementInFlight()

		rec := record(w)
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Method, metrics.NormalizePath(r.Pattern), rec.status, rec.bytes, time.Since(start))
	})
}
