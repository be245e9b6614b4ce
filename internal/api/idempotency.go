package api

import (
	"bytes"
	"net/http"

	"github.com/mev-engine/trade-resilience/pkg/idempotency"
	"go.uber.org/zap"
)

const (
	// IdempotencyKeyHeader carries the caller-chosen operation key
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader marks a response served from the result cache
	IdempotentReplayHeader = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
)

// CachedResponse is a completed mutating request kept for replay
type CachedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IdempotencyMiddleware replays the stored response of a mutating request
// when the same client repeats its Idempotency-Key within the store TTL.
// Server errors are not cached so the caller can retry them.
type IdempotencyMiddleware struct {
	store  *idempotency.Store[CachedResponse]
	logger *zap.Logger
}

// NewIdempotencyMiddleware wraps store
func NewIdempotencyMiddleware(store *idempotency.Store[CachedResponse], logger *zap.Logger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{store: store, logger: logger}
}

// Middleware is the mux middleware
func (m *IdempotencyMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if m.store == nil || key == "" || !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeError(w, http.StatusBadRequest, "Idempotency-Key too long")
			return
		}

		cacheKey := getClientID(r) + "|" + r.Method + " " + r.URL.Path + "|" + key

		if cached, ok := m.store.Get(cacheKey); ok {
			m.logger.Debug("replaying idempotent response",
				zap.String("path", r.URL.Path),
				zap.String("idempotency_key", key))
			if cached.ContentType != "" {
				w.Header().Set("Content-Type", cached.ContentType)
			}
			w.Header().Set(IdempotentReplayHeader, "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.statusCode >= http.StatusInternalServerError {
			return
		}
		m.store.Set(cacheKey, CachedResponse{
			StatusCode:  rec.statusCode,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
	})
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// recordingWriter tees the response body so it can be cached
type recordingWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	body        bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}
