package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"creditline/internal/domain"
	"creditline/internal/engine"
)

const defaultTokenTTL = 12 * time.Hour

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	Logger    *slog.Logger
}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c AuthConfig) ttl() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return defaultTokenTTL
}

type Principal struct {
	Actor  domain.Actor
	Source string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (domain.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Actor.ID != "" {
		return p.Actor, nil
	}
	return domain.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func signToken(secret string, actor domain.Actor, now time.Time, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	exp := now.Add(ttl)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    "creditline",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: string(actor.Role),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	return token, exp, err
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	role := domain.Role(claims.Role)
	if !role.Valid() {
		return Principal{}, errors.New("unknown role claim")
	}
	return Principal{Actor: domain.Actor{ID: claims.Subject, Role: role}, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the caller from a bearer token or X-Api-Key.
// Public paths pass through without credentials but still authenticate the
// caller when credentials are sent.
func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):        true,
		path.Join(basePath, "auth/login"):    true,
		path.Join(basePath, "auth/register"): true,
	}
	invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, invalid)
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("rejected bearer token", "err", err)
					respondStatusError(w, invalid)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
			case apiKey != "":
				actor, err := e.ResolveAPIKey(req.Context(), apiKey)
				if err != nil {
					if !errors.Is(err, domain.ErrInvalidCredentials) {
						cfg.logger().Error("resolve api key", "err", err)
					}
					respondStatusError(w, invalid)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{Actor: actor, Source: "api_key"})))
			case public[req.URL.Path]:
				next.ServeHTTP(w, req)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			}
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
