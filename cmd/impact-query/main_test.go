package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/impact-query/internal/auth"
	"github.com/seanankenbruck/impact-query/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAskPrintsVerifiedSQL(t *testing.T) {
	out, err := execute(t, "ask", "--company", "acme", "Show volunteer hours by department this quarter")
	require.NoError(t, err)

	assert.Contains(t, out, "Metric:     volunteer_hours (breakdown)")
	assert.Contains(t, out, "SELECT")
	assert.Contains(t, out, "$1")
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "Confidence:")
}

func TestAskJSON(t *testing.T) {
	out, err := execute(t, "ask", "--json", "How many events were held this year?")
	require.NoError(t, err)

	var body struct {
		Query struct {
			SQL string `json:"sql"`
		} `json:"query"`
		Response struct {
			Metadata struct {
				MetricID string `json:"metric_id"`
			} `json:"metadata"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "event_count", body.Response.Metadata.MetricID)
	assert.NotEmpty(t, body.Query.SQL)
}

func TestAskRejectsUnsafeQuestion(t *testing.T) {
	_, err := execute(t, "ask", "How many events; DROP TABLE events")
	assert.Error(t, err)
}

func TestAskRespectsRole(t *testing.T) {
	_, err := execute(t, "ask", "--role", "viewer", "Show volunteer hours by department this quarter")
	assert.Error(t, err)
}

func TestCatalogListsMetrics(t *testing.T) {
	out, err := execute(t, "catalog")
	require.NoError(t, err)

	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "volunteer_hours")
	assert.Contains(t, out, "donation_amount")
	assert.Contains(t, out, "event_count")
}

func TestTokenIsAcceptedByResolver(t *testing.T) {
	t.Setenv("JWT_SECRET", auth.TestSecret)
	t.Setenv("JWT_ISSUER", "impact-platform")

	out, err := execute(t, "token", "--company", "acme", "--role", "company_admin")
	require.NoError(t, err)

	resolver, err := auth.NewJWTResolver(config.AuthConfig{JWTSecret: auth.TestSecret, JWTIssuer: "impact-platform"})
	require.NoError(t, err)
	claims, err := resolver.ValidateToken(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.CompanyID)
	assert.Equal(t, "company_admin", claims.Role)
}

func TestTokenRequiresCompany(t *testing.T) {
	_, err := execute(t, "token")
	assert.Error(t, err)
}

func TestSetOverridesEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "some-other-secret-that-is-long-enough")
	t.Setenv("JWT_ISSUER", "impact-platform")

	out, err := execute(t, "token", "--company", "acme",
		"--set", "JWT_SECRET="+auth.TestSecret, "--set", "JWT_ISSUER=cli-override")
	require.NoError(t, err)

	resolver, err := auth.NewJWTResolver(config.AuthConfig{JWTSecret: auth.TestSecret, JWTIssuer: "cli-override"})
	require.NoError(t, err)
	_, err = resolver.ValidateToken(string(bytes.TrimSpace([]byte(out))))
	assert.NoError(t, err)
}
