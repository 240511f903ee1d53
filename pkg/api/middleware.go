package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// principalKey carries the authenticated caller address in the request
// context.
type principalKey struct{}

// Claims are the bearer-token claims the API expects: the subject is the
// caller's account address.
type Claims struct {
	jwt.RegisteredClaims
}

// Principal returns the authenticated caller address, if any.
func Principal(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(principalKey{}).(string)
	return addr, ok
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// AuthMiddleware validates HS256 bearer tokens signed with secret and
// injects the subject address as the request principal. An empty secret
// disables auth (dev mode).
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, "Token subject is required")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, strings.ToLower(claims.Subject))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimiter enforces a per-actor request budget. Actors are identified by
// their authenticated principal, falling back to the remote address.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter allows rpm requests per minute per actor. rpm <= 0
// disables limiting.
func NewRateLimiter(rpm int) *RateLimiter {
	if rpm <= 0 {
		return nil
	}
	return &RateLimiter{
		visitors: make(map[string]*rate.Limiter),
		rps:      rate.Limit(float64(rpm) / 60.0),
		burst:    rpm / 6,
	}
}

func (rl *RateLimiter) limiterFor(actor string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.visitors[actor]
	if !ok {
		burst := rl.burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rl.rps, burst)
		rl.visitors[actor] = lim
	}
	return lim
}

// Middleware wraps a handler with the rate limit. A nil receiver is a
// pass-through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.RemoteAddr
		if addr, ok := Principal(r.Context()); ok {
			actor = addr
		}
		if !rl.limiterFor(actor).Allow() {
			WriteTooManyRequests(w, 10)
			return
		}
		next.ServeHTTP(w, r)
	})
}
