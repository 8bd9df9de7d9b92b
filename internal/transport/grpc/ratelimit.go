package grpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	maxTrackedCallers = 10000
	overflowKey       = "overflow"
)

// RateLimiter keeps one token bucket per caller, keyed by x-user-id or the peer address.
// Once maxCallers buckets are tracked, buckets that have refilled completely are dropped,
// since they behave exactly like new ones. Callers that still find no room share one
// overflow bucket, so no tracked caller ever has its bucket reset.
type RateLimiter struct {
	limit rate.Limit
	burst int
	log   *slog.Logger
	now   func() time.Time

	mu         sync.Mutex
	maxCallers int
	limiters   map[string]*rate.Limiter
	overflow   *rate.Limiter
	lastSweep  time.Time
}

func NewRateLimiter(perSecond float64, burst int, log *slog.Logger) *RateLimiter {
	if log == nil {
		log = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:      rate.Limit(perSecond),
		burst:      burst,
		log:        log.With(slog.String("component", "grpc.ratelimit")),
		now:        time.Now,
		maxCallers: maxTrackedCallers,
		limiters:   make(map[string]*rate.Limiter),
		overflow:   rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (l *RateLimiter) limiter(key string, now time.Time) (*rate.Limiter, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[key]; ok {
		return lim, key
	}
	if len(l.limiters) >= l.maxCallers {
		l.sweep(now)
	}
	if len(l.limiters) >= l.maxCallers {
		return l.overflow, overflowKey
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters[key] = lim
	return lim, key
}

// sweep drops full buckets. It runs at most once per second to bound the cost under load.
func (l *RateLimiter) sweep(now time.Time) {
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < time.Second {
		return
	}
	l.lastSweep = now
	full := float64(l.burst)
	for k, lim := range l.limiters {
		if lim.TokensAt(now) >= full {
			delete(l.limiters, k)
		}
	}
}

func (l *RateLimiter) allow(ctx context.Context, method string) error {
	now := l.now()
	lim, key := l.limiter(callerKey(ctx), now)
	if lim.AllowN(now, 1) {
		return nil
	}
	l.log.Warn("rate limit exceeded", slog.String("caller", key), slog.String("method", method))
	return status.Error(codes.ResourceExhausted, "Too many requests. Try again shortly.")
}

func (l *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := l.allow(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (l *RateLimiter) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := l.allow(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func callerKey(ctx context.Context) string {
	if id := firstMetadata(ctx, "x-user-id"); id != "" {
		return "user:" + id
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return "addr:" + p.Addr.String()
	}
	return "anonymous"
}
