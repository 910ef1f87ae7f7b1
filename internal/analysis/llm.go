package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "heimdallr_llm_requests_total",
	Help: "Chat completion requests, by model and outcome.",
}, []string{"model", "outcome"})

// ErrAllModelsFailed is returned when the primary model and every fallback
// failed for a request.
var ErrAllModelsFailed = errors.New("all models failed")

// LLMConfig holds the completion client settings. The endpoint is any
// OpenAI-compatible chat completions API; provider-prefixed model names are
// passed through, so a routing proxy can fan out to multiple vendors.
type LLMConfig struct {
	BaseURL        string        `json:"base_url"`
	APIKey         string        `json:"-"`
	PrimaryModel   string        `json:"primary_model"`
	AnalysisModel  string        `json:"analysis_model"`
	FallbackModels []string      `json:"fallback_models"`
	Timeout        time.Duration `json:"timeout"`
	MaxTokens      int           `json:"max_tokens"`
	Temperature    float64       `json:"temperature"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one completion. A zero Temperature or
// MaxTokens falls back to the configured default; an empty Model uses the
// current primary model.
type CompletionRequest struct {
	Messages     []Message
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// LLMResponse is the parsed result of a completion.
type LLMResponse struct {
	Content        string `json:"content"`
	Model          string `json:"model"`
	TokensUsed     int    `json:"tokens_used"`
	LatencyMS      int64  `json:"latency_ms"`
	WasFallback    bool   `json:"was_fallback,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// CompletionClient is the LLM surface the analyzer drives.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*LLMResponse, error)
	AnalysisModel() string
}

// LLMClient talks to an OpenAI-compatible chat completions endpoint with an
// ordered fallback chain: when the active model errors, times out, or
// returns a stuck response, the next model in the chain is tried.
type LLMClient struct {
	mu            sync.Mutex
	cfg           LLMConfig
	currentModel  string
	analysisModel string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewLLMClient builds a completion client. Zero config values fall back to
// the api.openai.com endpoint, a 30s request timeout, 4096 max tokens, and
// temperature 0.3.
func NewLLMClient(cfg LLMConfig, logger *slog.Logger) *LLMClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.PrimaryModel == "" {
		cfg.PrimaryModel = "openai/gpt-5-mini"
	}
	if cfg.AnalysisModel == "" {
		cfg.AnalysisModel = cfg.PrimaryModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &LLMClient{
		cfg:           cfg,
		currentModel:  cfg.PrimaryModel,
		analysisModel: cfg.AnalysisModel,
		httpClient:    &http.Client{Timeout: cfg.Timeout + 5*time.Second},
		logger:        logger,
	}
	logger.Info("LLM client initialized",
		"primary_model", c.currentModel,
		"analysis_model", c.analysisModel,
		"fallbacks", cfg.FallbackModels)
	return c
}

// CurrentModel returns the active primary model.
func (c *LLMClient) CurrentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentModel
}

// AnalysisModel returns the model used for detailed analysis.
func (c *LLMClient) AnalysisModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.analysisModel
}

// SetModel switches the primary model at runtime.
func (c *LLMClient) SetModel(model string) {
	c.mu.Lock()
	old := c.currentModel
	c.currentModel = model
	c.mu.Unlock()
	c.logger.Info("Model switched", "from", old, "to", model)
}

// SetAnalysisModel switches the analysis model at runtime.
func (c *LLMClient) SetAnalysisModel(model string) {
	c.mu.Lock()
	old := c.analysisModel
	c.analysisModel = model
	c.mu.Unlock()
	c.logger.Info("Analysis model switched", "from", old, "to", model)
}

// Complete sends a completion request, walking the fallback chain until a
// model returns a usable response.
func (c *LLMClient) Complete(ctx context.Context, req CompletionRequest) (*LLMResponse, error) {
	active := req.Model
	if active == "" {
		active = c.CurrentModel()
	}
	models := []string{active}
	for _, m := range c.cfg.FallbackModels {
		if m != active {
			models = append(models, m)
		}
	}

	var lastErr error
	fallbackReason := ""
	for i, model := range models {
		resp, err := c.completeSingle(ctx, req, model)
		if err == nil && isStuckResponse(resp.Content) {
			err = fmt.Errorf("model %s returned a stuck response", model)
		}
		if err != nil {
			llmRequests.WithLabelValues(model, "error").Inc()
			lastErr = err
			fallbackReason = truncate(err.Error(), 80)
			c.logger.Warn("Model failed", "model", model, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		llmRequests.WithLabelValues(model, "success").Inc()
		if i > 0 {
			resp.WasFallback = true
			resp.FallbackReason = fallbackReason
			c.logger.Info("Fallback model answered", "model", model, "reason", fallbackReason)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrAllModelsFailed, lastErr)
}

func (c *LLMClient) completeSingle(ctx context.Context, req CompletionRequest, model string) (*LLMResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	body := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("LLM API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := chatResp.Choices[0]
	switch strings.ToLower(choice.FinishReason) {
	case "content_filter", "safety":
		return nil, fmt.Errorf("response blocked: %s", choice.FinishReason)
	}

	return &LLMResponse{
		Content:    strings.TrimSpace(choice.Message.Content),
		Model:      model,
		TokensUsed: chatResp.Usage.TotalTokens,
		LatencyMS:  time.Since(start).Milliseconds(),
	}, nil
}

// isStuckResponse detects degenerate output: too short, heavily repetitive,
// or structured output with far more openers than closers.
func isStuckResponse(content string) bool {
	if len(content) < 10 {
		return true
	}

	words := strings.Fields(content)
	if len(words) > 20 {
		for i := 0; i+5 <= len(words); i++ {
			phrase := strings.Join(words[i:i+5], " ")
			if strings.Count(content, phrase) > 3 {
				return true
			}
		}
	}

	open := strings.Count(content, "{") + strings.Count(content, "[")
	closed := strings.Count(content, "}") + strings.Count(content, "]")
	return open > closed+2
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
