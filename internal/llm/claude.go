package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/seanankenbruck/impact-query/internal/catalog"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/planner"
)

const (
	ClaudeAPIBaseURL = "https://api.anthropic.com/v1"
	ClaudeVersion    = "2023-06-01"
	DefaultModel     = "claude-3-haiku-20240307"
	MaxTokens        = 600
	Temperature      = 0.0 // classification must be repeatable
)

// Claude API request structures
type ClaudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Claude API response structures
type ClaudeResponse struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   Usage          `json:"usage"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Error response structure
type ClaudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ClaudeErrorResponse struct {
	Error ClaudeError `json:"error"`
}

var (
	codeBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	objectRegex    = regexp.MustCompile(`(?s)\{.*\}`)
)

// ClaudeClassifier classifies questions with Anthropic's messages API
type ClaudeClassifier struct {
	apiKey    string
	model     string
	baseURL   string
	maxTokens int
	client    *http.Client
	retry     RetryConfig
	system    string
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// ClaudeOption configures a ClaudeClassifier
type ClaudeOption func(*ClaudeClassifier)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) ClaudeOption {
	return func(c *ClaudeClassifier) {
		c.client = client
	}
}

// WithRetry sets the retry policy
func WithRetry(cfg RetryConfig) ClaudeOption {
	return func(c *ClaudeClassifier) {
		c.retry = cfg
	}
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) ClaudeOption {
	return func(c *ClaudeClassifier) {
		c.logger = l
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) ClaudeOption {
	return func(c *ClaudeClassifier) {
		c.metrics = m
	}
}

// NewClaudeClassifier creates a classifier that knows the metrics in cat
func NewClaudeClassifier(cfg Config, cat *catalog.Catalog, opts ...ClaudeOption) (*ClaudeClassifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cat == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = ClaudeAPIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = MaxTokens
	}

	c := &ClaudeClassifier{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Timeout: cfg.Timeout},
		retry:     DefaultRetryConfig,
		system:    SystemPrompt(cat),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = observability.NewLogger("classifier")
	}
	if c.metrics == nil {
		c.metrics = observability.NewNopMetrics()
	}
	return c, nil
}

// SystemPrompt describes the catalog and the expected JSON reply
func SystemPrompt(cat *catalog.Catalog) string {
	var b strings.Builder
	b.WriteString("You classify questions about a company's volunteering, giving and engagement data.\n")
	b.WriteString("Reply with a single JSON object and nothing else:\n")
	b.WriteString(`{"intent": "metric_query|breakdown|trend|comparison", "metric_id": "<id>", "confidence": 0.0-1.0, ` +
		`"slots": {"time_range": {"preset": "<preset>"} or {"start": "YYYY-MM-DD", "end": "YYYY-MM-DD"}, ` +
		`"granularity": "day|week|month|quarter|year", "group_by": ["<dimension id>"], ` +
		`"filters": [{"dimension": "<id>", "operator": "eq|neq|gt|gte|lt|lte|in|like", "value": ...}], ` +
		`"order_by": [{"field": "<id>", "direction": "asc|desc"}], "limit": 0}}` + "\n")
	b.WriteString("Time presets: today, yesterday, last_7_days, last_30_days, last_90_days, last_12_months, " +
		"this_month, last_month, this_quarter, last_quarter, this_year, last_year, last_N_days|weeks|months.\n")
	b.WriteString("Never write SQL. Use only these metrics and their dimensions:\n")

	metrics := cat.Metrics()
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].ID < metrics[j].ID })
	for _, m := range metrics {
		fmt.Fprintf(&b, "- %s (%s, %s): dimensions %s\n", m.ID, m.Name, m.Unit, strings.Join(m.AllowedDimensions, ", "))
	}
	b.WriteString("If no metric fits, set metric_id to \"\" and confidence to 0.\n")
	return b.String()
}

// Classify sends the question to Claude and decodes the intent it returns
func (c *ClaudeClassifier) Classify(ctx context.Context, question, tenantID string) (*planner.Intent, error) {
	request := ClaudeRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: Temperature,
		System:      c.system,
		Messages: []Message{
			{
				Role:    "user",
				Content: question,
			},
		},
	}

	start := time.Now()
	response, err := c.sendClaudeRequestWithRetry(ctx, request)
	if err != nil {
		c.metrics.ClassifierCalls.WithLabelValues("error").Inc()
		c.logger.Error(ctx, "intent classification failed", err, map[string]interface{}{
			"company_id":  tenantID,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, providerError(err)
	}

	intent, err := parseIntent(response)
	if err != nil {
		c.metrics.ClassifierCalls.WithLabelValues("invalid").Inc()
		return nil, apperrors.NewLLMProviderError(err, http.StatusBadGateway)
	}

	c.metrics.ClassifierCalls.WithLabelValues("ok").Inc()
	c.logger.Debug(ctx, "question classified", map[string]interface{}{
		"metric_id":     intent.MetricID,
		"confidence":    intent.Confidence,
		"input_tokens":  response.Usage.InputTokens,
		"output_tokens": response.Usage.OutputTokens,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return intent, nil
}

// providerError maps a transport or API failure to an LLMProviderError
// carrying the upstream status
func providerError(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			// provider throttling is not the caller's quota
			return apperrors.NewLLMProviderError(err, http.StatusServiceUnavailable).
				WithMetadata("upstream_status", apiErr.StatusCode)
		}
		return apperrors.NewLLMProviderError(err, apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewLLMProviderError(err, http.StatusGatewayTimeout)
	}
	return apperrors.NewLLMProviderError(err, 0)
}

// sendClaudeRequest handles the HTTP communication with Claude API
func (c *ClaudeClassifier) sendClaudeRequest(ctx context.Context, request ClaudeRequest) (*ClaudeResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", ClaudeVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, handleAPIError(resp.StatusCode, body)
	}

	var claudeResponse ClaudeResponse
	if err := json.Unmarshal(body, &claudeResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &claudeResponse, nil
}

// handleAPIError processes Claude API errors
func handleAPIError(statusCode int, body []byte) error {
	var errorResponse ClaudeErrorResponse
	if err := json.Unmarshal(body, &errorResponse); err != nil || errorResponse.Error.Message == "" {
		return &APIError{StatusCode: statusCode, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{
		StatusCode: statusCode,
		Type:       errorResponse.Error.Type,
		Message:    errorResponse.Error.Message,
	}
}

// parseIntent extracts the JSON intent from the first text block. A fenced
// code block wins over a bare object.
func parseIntent(response *ClaudeResponse) (*planner.Intent, error) {
	var text string
	for _, block := range response.Content {
		if block.Type == "" || block.Type == "text" {
			text = block.Text
			break
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("classifier returned no text")
	}

	raw := ""
	if m := codeBlockRegex.FindStringSubmatch(text); len(m) > 1 {
		raw = m[1]
	} else if m := objectRegex.FindString(text); m != "" {
		raw = m
	} else {
		return nil, fmt.Errorf("classifier reply contains no JSON object")
	}

	var intent planner.Intent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return nil, fmt.Errorf("failed to decode classifier reply: %w", err)
	}
	if intent.Confidence < 0 {
		intent.Confidence = 0
	}
	if intent.Confidence > 1 {
		intent.Confidence = 1
	}
	intent.MetricID = strings.TrimSpace(intent.MetricID)
	return &intent, nil
}
