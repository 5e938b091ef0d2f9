// Package llm turns free-text questions into structured intents. The
// classifier never writes SQL; it only picks a catalog metric and slots.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/seanankenbruck/impact-query/internal/planner"
)

// Classifier maps a question to a structured intent
type Classifier interface {
	Classify(ctx context.Context, question, tenantID string) (*planner.Intent, error)
}

// ClassifierFunc adapts a function to the Classifier interface
type ClassifierFunc func(ctx context.Context, question, tenantID string) (*planner.Intent, error)

// Classify calls f
func (f ClassifierFunc) Classify(ctx context.Context, question, tenantID string) (*planner.Intent, error) {
	return f(ctx, question, tenantID)
}

// Config holds configuration for classifier clients
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
}

// APIError is a non-200 reply from the classifier provider
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("classifier API error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("classifier API error %d: %s", e.StatusCode, e.Message)
}
