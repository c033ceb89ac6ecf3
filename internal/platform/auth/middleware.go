package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const (
	UserIDKey       contextKey = "user_id"
	UserRolesKey    contextKey = "user_roles"
	CallingAETKey   contextKey = "calling_aet"
	RetrieveAETsKey contextKey = "retrieve_aets"
)

// Claims are the token claims the archive understands. RetrieveAETs scopes
// the caller to instances retrievable from those AE titles.
type Claims struct {
	jwt.RegisteredClaims
	AET          string   `json:"aet"`
	Roles        []string `json:"roles"`
	RetrieveAETs []string `json:"retrieve_aets"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	// Skipper bypasses authentication for matching requests.
	Skipper middleware.Skipper
}

// JWTMiddleware validates bearer tokens and stores the caller identity, roles
// and retrieve AE title scope on the request context. Tokens are checked
// against SigningKey when set and against the JWKS endpoint otherwise.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keys *keySet
	method := "HS256"
	if len(cfg.SigningKey) == 0 {
		keys = newKeySet(cfg.JWKSURL)
		method = "RS256"
	}
	keyFunc := func(ctx context.Context) jwt.Keyfunc {
		if keys != nil {
			return keys.keyFunc(ctx)
		}
		return func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc(c.Request().Context()), opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithClaims(c.Request().Context(), claims)))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development that lets
// unauthenticated requests through as an unscoped administrator.
func DevAuthMiddleware(skipper middleware.Skipper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			if c.Request().Header.Get("Authorization") == "" {
				ctx := WithClaims(c.Request().Context(), &Claims{
					RegisteredClaims: jwt.RegisteredClaims{Subject: "dev-user"},
					Roles:            []string{AdminRole},
				})
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	}
}

// WithClaims stores the caller identity carried by claims on ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
	ctx = context.WithValue(ctx, UserRolesKey, claims.Roles)
	ctx = context.WithValue(ctx, CallingAETKey, claims.AET)
	return context.WithValue(ctx, RetrieveAETsKey, claims.RetrieveAETs)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// CallingAETFromContext returns the caller's own AE title, if the token named one.
func CallingAETFromContext(ctx context.Context) string {
	aet, _ := ctx.Value(CallingAETKey).(string)
	return aet
}

// RetrieveAETsFromContext returns the retrieve AE titles the caller is
// restricted to. Nil means unrestricted.
func RetrieveAETsFromContext(ctx context.Context) []string {
	aets, _ := ctx.Value(RetrieveAETsKey).([]string)
	return aets
}
