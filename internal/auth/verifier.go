// Package auth verifies client credentials and binds them to server-side
// sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"roomcast/internal/chat"
)

// Identity is what a verified credential says about its bearer.
type Identity struct {
	UserID    string
	SessionID string
	Name      string
	Email     string
}

// Summary returns the public profile carried by the identity.
func (id Identity) Summary() chat.UserSummary {
	name := id.Name
	if name == "" {
		name = id.UserID
	}
	return chat.UserSummary{ID: id.UserID, Name: name, Email: id.Email}
}

// Claims is the JWT claim set: sub is the user id, sid the session id.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Verifier checks credential signatures and expiry.
type Verifier struct {
	keyfunc jwt.Keyfunc
	jwks    *keyfunc.JWKS
	issuer  string
	methods []string
}

// NewHMACVerifier verifies HS256 tokens signed with secret.
func NewHMACVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{
		keyfunc: func(*jwt.Token) (any, error) { return secret, nil },
		issuer:  issuer,
		methods: []string{jwt.SigningMethodHS256.Alg()},
	}
}

// NewJWKSVerifier verifies asymmetric tokens against a remote key set that is
// refreshed in the background. Call Close to stop the refresher.
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer string, logger *zap.Logger) (*Verifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   5 * time.Minute,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Warn("jwks refresh failed", zap.String("url", jwksURL), zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks %s: %w", jwksURL, err)
	}
	return &Verifier{
		keyfunc: jwks.Keyfunc,
		jwks:    jwks,
		issuer:  issuer,
		methods: []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256"},
	}, nil
}

// Close stops the JWKS refresher, if any.
func (v *Verifier) Close() {
	if v != nil && v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// VerifyCredential parses token and returns the identity it carries.
func (v *Verifier) VerifyCredential(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", chat.ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods(v.methods),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyfunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: credential expired", chat.ErrUnauthorized)
		}
		return Identity{}, fmt.Errorf("%w: %v", chat.ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: credential is not valid", chat.ErrUnauthorized)
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return Identity{}, fmt.Errorf("%w: credential lacks user or session", chat.ErrUnauthorized)
	}
	return Identity{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Name:      claims.Name,
		Email:     claims.Email,
	}, nil
}

// Issuer signs HS256 credentials. It backs the token command and tests.
type Issuer struct {
	secret []byte
	issuer string
}

// NewIssuer builds an Issuer for secret.
func NewIssuer(secret []byte, issuer string) *Issuer {
	return &Issuer{secret: secret, issuer: issuer}
}

// Issue signs a credential for id valid for ttl.
func (i *Issuer) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: id.SessionID,
		Name:      id.Name,
		Email:     id.Email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}
