package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"icreserve/services/icd/idempotency"
)

const (
	headerIdempotency     = "Idempotency-Key"
	headerIdempotencyHit  = "X-Idempotency-Cache"
	defaultIdempotencyTTL = 24 * time.Hour
	maxIdempotencyKey     = 128
	maxIdempotentBody     = 1 << 16
)

var (
	errIdempotencyInFlight = errors.New("a request with this idempotency key is still in progress")
	errIdempotencyReused   = errors.New("idempotency key was already used with a different request body")
	errBodyTooLarge        = errors.New("request body exceeds 64 KiB")
)

// idempotencyGuard replays stored responses for retried mutations that carry
// an Idempotency-Key header. Keys are scoped to the caller's token subject.
type idempotencyGuard struct {
	store  *idempotency.Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func newIdempotencyGuard(store *idempotency.Store, ttl time.Duration, logger *slog.Logger) *idempotencyGuard {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &idempotencyGuard{
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Middleware must run after authentication so the principal is available.
func (g *idempotencyGuard) Middleware(next http.Handler) http.Handler {
	if g == nil || g.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem := strings.TrimSpace(r.Header.Get(headerIdempotency))
		if idem == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(idem) > maxIdempotencyKey {
			writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("idempotency key too long"))
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err)
			return
		}
		if len(body) > maxIdempotentBody {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", errBodyTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		subject := ""
		if principal, ok := PrincipalFromContext(r.Context()); ok {
			subject = principal.Subject
		}
		key := idempotencyKey(subject, r.Method, r.URL.Path, idem)
		fingerprint := digestHex(body)

		if !g.acquire(key) {
			writeError(w, r, http.StatusConflict, "request_in_progress", errIdempotencyInFlight)
			return
		}
		defer g.release(key)

		record, found, err := g.store.Get(key, g.now())
		if err != nil {
			g.logger.Warn("idempotency lookup failed", slog.String("request_id", requestID(r.Context())), slog.Any("error", err))
		}
		if found {
			if record.Fingerprint != fingerprint {
				writeError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused", errIdempotencyReused)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerIdempotencyHit, "hit")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		rec := &bodyRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		// server errors are retryable and must not be pinned to the key
		if rec.status >= http.StatusInternalServerError {
			return
		}
		now := g.now()
		if err := g.store.Put(key, idempotency.Record{
			Fingerprint: fingerprint,
			StatusCode:  rec.status,
			Body:        rec.buf.Bytes(),
			StoredAt:    now,
			ExpiresAt:   now.Add(g.ttl),
		}); err != nil {
			g.logger.Warn("idempotency store failed", slog.String("request_id", requestID(r.Context())), slog.Any("error", err))
		}
	})
}

func (g *idempotencyGuard) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

func (g *idempotencyGuard) release(key string) {
	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *bodyRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func idempotencyKey(subject, method, path, idem string) string {
	return digestHex([]byte(strings.Join([]string{subject, method, path, idem}, "\x00")))
}

func digestHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
