package auth

import (
	"testing"
	"time"

	"github.com/seanankenbruck/impact-query/internal/config"
)

// TestSecret signs tokens minted by NewTestResolver
const TestSecret = "test-secret-with-at-least-32-characters"

// NewTestResolver creates a JWT resolver for tests
func NewTestResolver(t testing.TB) *JWTResolver {
	t.Helper()
	resolver, err := NewJWTResolver(config.AuthConfig{JWTSecret: TestSecret, JWTIssuer: "impact-platform"})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	return resolver
}

// TestToken mints a bearer token for a user of company
func TestToken(t testing.TB, resolver *JWTResolver, companyID, userID, role string) string {
	t.Helper()
	token, err := resolver.IssueToken(companyID, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}
