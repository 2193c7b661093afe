package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/geoguard/internal/metrics"
	"github.com/sawpanic/geoguard/internal/validation"
)

// userLimiter applies a per-user token bucket in front of the pipeline.
// A rejected request is answered with the shared blocked_rate_limit
// result code; the pipeline itself never runs.
type userLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func newUserLimiter(rps float64, burst int) *userLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &userLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *userLimiter) limiter(userID string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[userID]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, exists := l.limiters[userID]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[userID] = limiter
	return limiter
}

// middleware peeks the user ids out of the JSON body and enforces the
// bucket before the handler decodes the request proper. A batch body
// consumes one token per contained request, so batching never buys a
// user more throughput than single submissions.
func (l *userLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var peek struct {
			UserID   string `json:"user_id"`
			Requests []struct {
				UserID string `json:"user_id"`
			} `json:"requests"`
		}
		_ = json.Unmarshal(body, &peek)

		ids := make([]string, 0, len(peek.Requests)+1)
		if peek.UserID != "" {
			ids = append(ids, peek.UserID)
		}
		for _, req := range peek.Requests {
			if req.UserID != "" {
				ids = append(ids, req.UserID)
			}
		}

		for _, id := range ids {
			if !l.limiter(id).Allow() {
				metrics.RateLimited.Inc()
				writeJSON(w, http.StatusTooManyRequests, validation.Response{
					Code:  validation.CodeRateLimited,
					Valid: false,
				})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request with method, path, status and
// duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(started)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
