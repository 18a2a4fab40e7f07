// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller's identity. Three modes are supported:
//
//   - header: trust X-User-ID as set by an authenticating proxy (development)
//   - hmac:   verify an HS256 bearer token signed with a shared secret
//   - jwks:   verify an RS/ES bearer token against the provider's JWKS
//
// In every mode the user id ends up in the Gin context under UserIDKey, which
// handlers, the rate limiter, idempotency and the access log read.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// UserIDKey is the Gin context key holding the authenticated user id.
const UserIDKey = "userID"

// Auth modes.
const (
	AuthHeader = "header"
	AuthHMAC   = "hmac"
	AuthJWKS   = "jwks"
)

// HeaderInternalToken carries the shared secret of server-to-server hooks.
const HeaderInternalToken = "X-Internal-Token"

// AuthOptions configures Authenticator.
type AuthOptions struct {
	Mode     string
	Secret   string // hmac
	JWKSURL  string // jwks
	Issuer   string // optional iss check
	Audience string // optional aud check
}

// Authenticator verifies bearer tokens and stores the subject as the user id.
type Authenticator struct {
	opts    AuthOptions
	keyFn   jwt.Keyfunc
	methods []string
	jwks    *keyfunc.JWKS
}

// NewAuthenticator prepares token verification for opts.Mode. In jwks mode
// it fetches the key set once and refreshes it in the background until ctx
// ends.
func NewAuthenticator(ctx context.Context, opts AuthOptions) (*Authenticator, error) {
	a := &Authenticator{opts: opts}
	switch opts.Mode {
	case "", AuthHeader:
		a.opts.Mode = AuthHeader
	case AuthHMAC:
		if opts.Secret == "" {
			return nil, errors.New("auth: hmac mode needs a secret")
		}
		secret := []byte(opts.Secret)
		a.keyFn = func(*jwt.Token) (any, error) { return secret, nil }
		a.methods = []string{"HS256", "HS384", "HS512"}
	case AuthJWKS:
		jwks, err := keyfunc.Get(opts.JWKSURL, keyfunc.Options{
			Ctx:               ctx,
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.Error().Err(err).Str("jwks_url", opts.JWKSURL).Msg("jwks refresh")
			},
		})
		if err != nil {
			return nil, err
		}
		a.jwks = jwks
		a.keyFn = jwks.Keyfunc
		a.methods = []string{"RS256", "RS384", "RS512", "ES256", "ES384"}
	default:
		return nil, errors.New("auth: unknown mode " + opts.Mode)
	}
	return a, nil
}

// Close stops the JWKS refresher, if any.
func (a *Authenticator) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// Handler authenticates every request it guards. Failures abort with 401.
func (a *Authenticator) Handler() gin.HandlerFunc {
	if a.opts.Mode == AuthHeader {
		return func(c *gin.Context) {
			if uid := strings.TrimSpace(c.GetHeader("X-User-ID")); uid != "" {
				setUser(c, uid)
			}
			c.Next()
		}
	}

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods(a.methods), jwt.WithExpirationRequired()}
	if a.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.opts.Issuer))
	}
	if a.opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.opts.Audience))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		tok, err := parser.ParseWithClaims(raw, &jwt.RegisteredClaims{}, a.keyFn)
		if err != nil || !tok.Valid {
			LoggerFrom(c).Debug().Err(err).Msg("token rejected")
			abortUnauthorized(c, "invalid token")
			return
		}
		sub, _ := tok.Claims.GetSubject()
		if sub == "" {
			abortUnauthorized(c, "token has no subject")
			return
		}
		setUser(c, sub)
		c.Next()
	}
}

// InternalToken guards server-to-server routes with a shared secret. An
// empty token closes the route.
func InternalToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderInternalToken))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			abortUnauthorized(c, "invalid internal token")
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" when none was resolved.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(UserIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// setUser records the identity and rebinds the request logger to it.
func setUser(c *gin.Context, uid string) {
	c.Set(UserIDKey, uid)
	c.Set(loggerKey, scopedLogger(c))
}

func bearerToken(header string) string {
	scheme, tok, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="negotiator"`)
	abortJSON(c, http.StatusUnauthorized, "unauthorized", msg)
}

// abortJSON writes the API error envelope from middleware, which cannot
// import the handlers package.
func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
