// Package auth resolves callers to a company scoped RLS context and protects
// the HTTP surface from bursts.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/seanankenbruck/impact-query/internal/config"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/rls"
)

// Trusted gateway headers, honoured only when header auth is enabled
const (
	HeaderCompanyID = "X-Company-ID"
	HeaderUserID    = "X-User-ID"
	HeaderRole      = "X-Role"
)

// DefaultTokenExpiry is the lifetime of tokens minted by IssueToken
const DefaultTokenExpiry = 24 * time.Hour

var errNoCredentials = errors.New("no credentials")

// Claims represents JWT claims
type Claims struct {
	CompanyID string `json:"company_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// TenantResolver turns request credentials into the caller's RLS context
type TenantResolver interface {
	Resolve(r *http.Request) (*rls.RLSContext, error)
}

// JWTResolver validates HS256 bearer tokens
type JWTResolver struct {
	secret      []byte
	issuer      string
	allowHeader bool
	now         func() time.Time
}

// NewJWTResolver creates a resolver from the auth config
func NewJWTResolver(cfg config.AuthConfig) (*JWTResolver, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth: JWT secret is required")
	}
	return &JWTResolver{
		secret:      []byte(cfg.JWTSecret),
		issuer:      cfg.JWTIssuer,
		allowHeader: cfg.AllowHeader,
		now:         time.Now,
	}, nil
}

// IssueToken signs a token for a user of a company
func (j *JWTResolver) IssueToken(companyID, userID, role string, expiresIn time.Duration) (string, error) {
	if strings.TrimSpace(companyID) == "" {
		return "", apperrors.NewMissingTenantError()
	}
	if expiresIn <= 0 {
		expiresIn = DefaultTokenExpiry
	}
	now := j.now()

	claims := &Claims{
		CompanyID: companyID,
		UserID:    userID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTResolver) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if strings.TrimSpace(claims.CompanyID) == "" {
		return nil, fmt.Errorf("token has no company_id claim")
	}
	return claims, nil
}

// Resolve authenticates r by bearer token, falling back to gateway headers
// when they are trusted. Unknown roles resolve to viewer.
func (j *JWTResolver) Resolve(r *http.Request) (*rls.RLSContext, error) {
	tokenString, err := bearerToken(r)
	if err == nil {
		claims, err := j.ValidateToken(tokenString)
		if err != nil {
			return nil, apperrors.NewNotAuthenticatedError().WithDetails(err.Error())
		}
		return rls.Build(claims.CompanyID, claims.UserID, claims.Role)
	}

	if j.allowHeader && r.Header.Get(HeaderCompanyID) != "" {
		return rls.Build(r.Header.Get(HeaderCompanyID), r.Header.Get(HeaderUserID), r.Header.Get(HeaderRole))
	}
	return nil, apperrors.NewNotAuthenticatedError()
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errNoCredentials
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errNoCredentials
	}
	return strings.TrimSpace(parts[1]), nil
}
