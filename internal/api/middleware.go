package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/model"
)

// CallerHeader carries the identity a request acts as. Authenticating that
// identity is the job of the gateway in front of this service.
const CallerHeader = "X-Caller-Address"

type ctxKey int

const callerKey ctxKey = iota

// callerFrom returns the identity stored by requireCaller.
func callerFrom(ctx context.Context) common.Address {
	addr, _ := ctx.Value(callerKey).(common.Address)
	return addr
}

// requireCaller rejects requests without a valid, non-zero caller identity.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(CallerHeader)
		addr, err := model.ParseAddress(raw)
		if err != nil {
			writeError(w, apperrors.New(apperrors.KindInvalidArgument, "malformed "+CallerHeader, err))
			return
		}
		if model.IsZeroAddress(addr) {
			writeError(w, apperrors.Newf(apperrors.KindUnauthorized, "%s header is required", CallerHeader))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, addr)))
	})
}

// callerLimiter keeps one token bucket per caller identity.
type callerLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[common.Address]*rate.Limiter
}

// newCallerLimiter builds a limiter; qps <= 0 disables limiting.
func newCallerLimiter(qps float64, burst int) *callerLimiter {
	limit := rate.Limit(qps)
	if qps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &callerLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[common.Address]*rate.Limiter),
	}
}

func (c *callerLimiter) allow(caller common.Address) bool {
	c.mu.Lock()
	l, ok := c.limiters[caller]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[caller] = l
	}
	c.mu.Unlock()
	return l.Allow()
}

// middleware must run after requireCaller.
func (c *callerLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.allow(callerFrom(r.Context())) {
			writeError(w, apperrors.Newf(apperrors.KindRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors allows cross-origin requests from browser frontends.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+CallerHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
