// Package ratelimit applies a per-caller token bucket in front of the
// exchange API. Authenticated requests are keyed by account, anonymous
// ones by remote IP.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/deltayeb/iofteoi/internal/auth"
	"github.com/deltayeb/iofteoi/pkg/httpx"
)

// Limiter keeps one token bucket per key and evicts idle entries as a
// side effect of lookups.
type Limiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*entry
	hits  uint64
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func New(rps float64, burst int) *Limiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &Limiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		byKey:   make(map[string]*entry),
	}
}

// Allow reports whether one token can be consumed for key at now.
// A nil limiter allows everything.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}

	return allowed
}

// Middleware rejects over-limit requests with 429 and a Retry-After
// hint sized to the refill interval.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(requestKey(r), time.Now()) {
			retry := 1
			if l.limit > 0 && l.limit < 1 {
				retry = int(1 / float64(l.limit))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestKey(r *http.Request) string {
	if id, ok := auth.AccountID(r.Context()); ok {
		return "acct:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
