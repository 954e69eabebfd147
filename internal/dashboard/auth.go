package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ActorHeader identifies the caller when no JWT secret is configured.
const ActorHeader = "X-Actor-ID"

// RequestIDHeader carries the per-request id back to the client.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	actorKey ctxKey = iota
	requestIDKey
)

// ActorFrom returns the authenticated actor id stored in ctx.
func ActorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey).(string)
	return id
}

// RequestIDFrom returns the request id stored in ctx.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// authenticator turns a request into an actor id. With a secret it accepts
// HS256 bearer tokens whose subject is the actor id; without one it trusts
// the X-Actor-ID header.
type authenticator struct {
	secret []byte
	issuer string
}

func (a authenticator) actor(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		id := strings.TrimSpace(r.Header.Get(ActorHeader))
		if id == "" {
			// Browsers cannot set headers on a websocket handshake.
			id = strings.TrimSpace(r.URL.Query().Get("actor"))
		}
		if id == "" {
			return "", status.Errorf(codes.Unauthenticated, "missing %s header", ActorHeader)
		}
		return id, nil
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		raw = r.URL.Query().Get("access_token")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", status.Error(codes.Unauthenticated, "missing bearer token")
	}
	return a.parse(raw)
}

func (a authenticator) parse(raw string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", status.Error(codes.Unauthenticated, "token expired")
		}
		return "", status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
	}
	if claims.Subject == "" {
		return "", status.Error(codes.Unauthenticated, "token has no subject")
	}
	return claims.Subject, nil
}

// limiter hands out one token bucket per actor.
type limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLimiter(rps float64, burst int) *limiter {
	if rps <= 0 {
		return nil
	}
	return &limiter{rps: rate.Limit(rps), burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *limiter) allow(actorID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[actorID]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[actorID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// api wraps an API handler with request ids, authentication, and the
// per-actor rate limit.
func (d *Dashboard) api(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)

		actorID, err := d.auth.actor(r)
		if err != nil {
			writeError(w, r.WithContext(ctx), err)
			return
		}
		if !d.limiter.allow(actorID) {
			writeError(w, r.WithContext(ctx), status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", actorID))
			return
		}

		ctx = context.WithValue(ctx, actorKey, actorID)
		h(w, r.WithContext(ctx))
	})
}
