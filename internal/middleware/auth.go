package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"livecomments/internal/contextutils"
	"livecomments/internal/models"
	"livecomments/internal/services"
)

// ===============================
// AUTH CONFIGURATION
// ===============================

// Identity transport names
const (
	HeaderAnonymousID   = "X-Anonymous-ID"
	QueryAccessToken    = "access_token"
	QueryAnonymousID    = "anonymous_id"
	anonymousIDPrefix   = "anon:"
	maxAnonymousIDBytes = 64
)

// AuthConfig holds configuration for actor resolution
type AuthConfig struct {
	Secret []byte
	Issuer string
	// AllowAnonymous accepts an opaque X-Anonymous-ID as an anonymous actor
	AllowAnonymous bool
}

// Claims are the JWT claims carrying an actor. The subject is the user ID.
type Claims struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator resolves the acting identity of a request from an HS256
// bearer token or an anonymous ID
type Authenticator struct {
	config    *AuthConfig
	errWriter ErrorWriter
	logger    *zap.Logger
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(config *AuthConfig, errWriter ErrorWriter, logger *zap.Logger) (*Authenticator, error) {
	if config == nil || len(config.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{config: config, errWriter: errWriter, logger: logger}, nil
}

// ===============================
// MIDDLEWARE
// ===============================

// Authenticate resolves the actor when one is presented. A malformed or
// invalid token is rejected; a request without identity continues without
// an actor.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok, err := a.resolve(r)
		if err != nil {
			contextutils.Logger(r.Context(), a.logger).Warn("Authentication failed", zap.Error(err))
			a.errWriter.WriteError(w, r, services.NewUnauthorizedError("invalid credentials"))
			return
		}
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx := contextutils.WithActor(r.Context(), actor)
		ctx = contextutils.WithLogger(ctx, contextutils.Logger(ctx, a.logger).With(
			zap.String("actor_id", actor.ID),
			zap.Bool("anonymous", actor.Anonymous),
		))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireActor rejects requests for which no actor was resolved
func (a *Authenticator) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := contextutils.GetActor(r.Context()); !ok {
			a.errWriter.WriteError(w, r, services.NewUnauthorizedError("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken signs a token for actor. Used by tooling and tests.
func (a *Authenticator) IssueToken(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Handle:      actor.Handle,
		DisplayName: actor.DisplayName,
		Role:        string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.config.Secret)
}

// ===============================
// RESOLUTION
// ===============================

func (a *Authenticator) resolve(r *http.Request) (models.Actor, bool, error) {
	if token, err := bearerToken(r); err != nil {
		return models.Actor{}, false, err
	} else if token != "" {
		actor, err := a.parseToken(token)
		return actor, err == nil, err
	}

	if !a.config.AllowAnonymous {
		return models.Actor{}, false, nil
	}

	anonID := r.Header.Get(HeaderAnonymousID)
	if anonID == "" {
		anonID = r.URL.Query().Get(QueryAnonymousID)
	}
	if anonID == "" {
		return models.Actor{}, false, nil
	}
	if !validAnonymousID(anonID) {
		return models.Actor{}, false, fmt.Errorf("malformed anonymous id")
	}
	return models.Actor{ID: anonymousIDPrefix + anonID, Anonymous: true}, true, nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter browsers use for websocket upgrades
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return r.URL.Query().Get(QueryAccessToken), nil
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return parts[1], nil
}

func (a *Authenticator) parseToken(tokenString string) (models.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.config.Secret, nil
	}, opts...)
	if err != nil {
		return models.Actor{}, fmt.Errorf("invalid jwt: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return models.Actor{}, fmt.Errorf("jwt has no subject")
	}

	role := models.RoleUser
	if claims.Role == string(models.RoleModerator) {
		role = models.RoleModerator
	}
	return models.Actor{
		ID:          claims.Subject,
		Handle:      claims.Handle,
		DisplayName: claims.DisplayName,
		Role:        role,
	}, nil
}

func validAnonymousID(id string) bool {
	if len(id) < 8 || len(id) > maxAnonymousIDBytes {
		return false
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
