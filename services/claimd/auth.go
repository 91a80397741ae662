package claimd

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Caller is the authenticated identity attached to a user request.
type Caller struct {
	ID     string
	Scopes []string
	Admin  bool
}

type contextKey string

const contextKeyCaller contextKey = "claimd.caller"

// CallerFromContext returns the caller placed on the context by the JWT middleware.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(Caller)
	return caller, ok
}

// WithCaller attaches a caller to the context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

// Authenticator validates HS256 bearer tokens. The subject claim names the
// caller and the admin scope grants access to other users' resources.
type Authenticator struct {
	secret     []byte
	issuer     string
	audience   []string
	adminScope string
	clockSkew  time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, errors.New("auth secret not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	adminScope := strings.TrimSpace(cfg.AdminScope)
	if adminScope == "" {
		adminScope = "claims:admin"
	}
	skew := cfg.ClockSkew.Duration
	if skew <= 0 {
		skew = 30 * time.Second
	}
	return &Authenticator{
		secret:     []byte(secret),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		adminScope: adminScope,
		clockSkew:  skew,
		now:        time.Now,
		logger:     logger,
	}, nil
}

// AdminScope returns the scope that grants elevated privilege.
func (a *Authenticator) AdminScope() string { return a.adminScope }

// Middleware rejects requests without a valid token and stores the caller on
// the request context. requiredScopes, when given, must all be present.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := parseBearerToken(r.Header.Get("Authorization"))
			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			caller, err := a.Authenticate(tokenString)
			if err != nil {
				a.logger.WarnContext(r.Context(), "token validation failed", slog.String("error", err.Error()))
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !hasScopes(caller.Scopes, requiredScopes) {
				writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// Authenticate parses and validates a raw token.
func (a *Authenticator) Authenticate(tokenString string) (Caller, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	},
		jwt.WithLeeway(a.clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Caller{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Caller{}, errors.New("token invalid")
	}
	if err := a.validateClaims(claims); err != nil {
		return Caller{}, err
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return Caller{}, err
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Caller{}, errors.New("subject missing")
	}
	scopes := extractScopes(claims)
	return Caller{
		ID:     subject,
		Scopes: scopes,
		Admin:  hasScopes(scopes, []string{a.adminScope}),
	}, nil
}

func (a *Authenticator) validateClaims(claims jwt.MapClaims) error {
	if a.issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || issuer != a.issuer {
			return errors.New("issuer mismatch")
		}
	}
	if len(a.audience) > 0 {
		audience, err := claims.GetAudience()
		if err != nil {
			return errors.New("audience mismatch")
		}
		for _, want := range a.audience {
			for _, got := range audience {
				if got == want {
					return nil
				}
			}
		}
		return errors.New("audience mismatch")
	}
	return nil
}

func extractScopes(claims jwt.MapClaims) []string {
	raw, ok := claims["scope"]
	if !ok {
		raw, ok = claims["scopes"]
	}
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, scope := range required {
		if _, ok := set[scope]; !ok {
			return false
		}
	}
	return true
}

// SchedulerAuth guards the batch trigger and operator endpoints with a static
// bearer token.
func SchedulerAuth(token string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := parseBearerToken(r.Header.Get("Authorization"))
			if len(expected) == 0 || presented == "" {
				writeError(w, http.StatusUnauthorized, "scheduler token required")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid scheduler token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
