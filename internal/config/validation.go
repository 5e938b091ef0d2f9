package config

import (
	"fmt"
	"strings"
)

// ValidationError names one misconfigured field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ValidationErrors collects every misconfigured field so that a deploy
// reports them all at once
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation error(s):\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors reports whether any field failed
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// fieldChecks accumulates failures; each check records Field when ok is false
type fieldChecks struct {
	errs ValidationErrors
}

func (f *fieldChecks) check(ok bool, field, format string, args ...interface{}) {
	if !ok {
		f.errs = append(f.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
}

func (f *fieldChecks) oneOf(value string, allowed []string, field string) {
	f.check(contains(allowed, value), field, "invalid value %q (must be one of %s)", value, strings.Join(allowed, ", "))
}

func (f *fieldChecks) result() error {
	if f.errs.HasErrors() {
		return f.errs
	}
	return nil
}

var (
	ginModes  = []string{"debug", "release", "test"}
	logLevels = []string{"debug", "info", "warn", "error"}
	dialects  = []string{"postgres", "clickhouse"}

	insecureSecrets = []string{"", "changeme", "secret", "jwt-secret", "change-this-in-production"}
)

// Validate checks that the service can start with this configuration
func (c *Config) Validate() error {
	var f fieldChecks

	f.check(c.Database.Host != "", "Database.Host", "database host is required")
	f.check(c.Database.Port != "", "Database.Port", "database port is required")
	f.check(c.Database.Database != "", "Database.Database", "database name is required")
	f.check(c.Database.Username != "", "Database.Username", "database username is required")
	f.check(c.Database.MaxOpenConns >= 0, "Database.MaxOpenConns", "must be non-negative")

	f.check(c.Redis.Addr != "", "Redis.Addr", "redis address is required")
	f.check(c.Redis.Timeout > 0, "Redis.Timeout", "must be positive")

	f.check(c.Classifier.APIKey != "", "Classifier.APIKey", "Claude API key is required")
	f.check(c.Classifier.Model != "", "Classifier.Model", "Claude model is required")
	f.check(c.Classifier.Timeout > 0, "Classifier.Timeout", "must be positive")

	f.check(c.Auth.JWTSecret != "", "Auth.JWTSecret", "JWT secret is required")
	f.check(c.Auth.BurstRPS > 0, "Auth.BurstRPS", "must be positive")
	f.check(c.Auth.BurstSize > 0, "Auth.BurstSize", "must be positive")

	f.check(c.Server.Port != "", "Server.Port", "server port is required")
	f.oneOf(c.Server.GinMode, ginModes, "Server.GinMode")
	f.oneOf(c.Server.LogLevel, logLevels, "Server.LogLevel")

	f.check(c.Query.DefaultLimit > 0, "Query.DefaultLimit", "must be positive")
	f.check(c.Query.MaxLimit >= c.Query.DefaultLimit, "Query.MaxLimit", "must be at least the default limit %d", c.Query.DefaultLimit)
	f.check(c.Query.ExecutionTimeout > 0, "Query.ExecutionTimeout", "must be positive")
	f.check(c.Query.MaxQuestionLength > 0, "Query.MaxQuestionLength", "must be positive")
	f.oneOf(c.Query.DefaultDialect, dialects, "Query.DefaultDialect")

	f.oneOf(c.Quota.OnStoreError, []string{OnStoreErrorAdmit, OnStoreErrorReject}, "Quota.OnStoreError")

	f.check(c.Cache.DefaultTTL >= 0, "Cache.DefaultTTL", "must be non-negative")
	f.oneOf(c.Cache.OnStoreError, []string{OnStoreErrorSkip, OnStoreErrorFail}, "Cache.OnStoreError")
	f.check(c.Cache.ComputeLimit > 0, "Cache.ComputeLimit", "must be positive")

	return f.result()
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

// ValidateProduction rejects settings that are only acceptable on a laptop:
// default credentials, short HS256 keys, trusted tenant headers and SQL
// exposure
func (c *Config) ValidateProduction() error {
	var f fieldChecks

	f.check(!contains(insecureSecrets, c.Database.Password), "Database.Password", "must not be empty or a default value")
	f.check(!contains(insecureSecrets, c.Redis.Password), "Redis.Password", "must not be empty or a default value")
	f.check(!contains(insecureSecrets, c.Auth.JWTSecret), "Auth.JWTSecret", "must not be empty or a default value")
	f.check(len(c.Auth.JWTSecret) >= 32, "Auth.JWTSecret", "must be at least 32 characters")
	f.check(c.Classifier.APIKey != "", "Classifier.APIKey", "a Claude API key is required")
	f.check(c.Server.GinMode == "release", "Server.GinMode", "must be 'release'")
	f.check(!c.Auth.AllowHeader, "Auth.AllowHeader", "tenant headers must not be trusted")
	f.check(!c.Query.ExposeSQL, "Query.ExposeSQL", "generated SQL must not be exposed")

	return f.result()
}

// IsProduction reports whether the service runs in gin release mode
func (c *Config) IsProduction() bool {
	return c.Server.GinMode == "release"
}

// ValidateWithContext runs Validate, then ValidateProduction in release mode
func (c *Config) ValidateWithContext() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.IsProduction() {
		if err := c.ValidateProduction(); err != nil {
			return fmt.Errorf("production validation failed: %w", err)
		}
	}
	return nil
}
