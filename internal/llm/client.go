package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
)

// Config holds inference backend connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
}

// OpenAI API compatible client
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
	headers    map[string]string
}

// NewOpenAIClient constructs an LLM client that speaks the OpenAI-compatible
// chat completions API using the provided configuration.
func NewOpenAIClient(model string, config Config) Client {
	timeout := 120 * time.Second
	if config.Timeout > 0 {
		timeout = config.Timeout
	}

	return &openaiClient{
		model:      model,
		apiKey:     config.APIKey,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger("llm"),
		headers:    config.Headers,
	}
}

func (c *openaiClient) Model() string {
	return c.model
}

// Ping issues a minimal models listing to confirm the backend is up.
func (c *openaiClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindInferenceUnavailable, "inference backend unreachable")
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return miltonerrors.Newf(miltonerrors.KindInferenceUnavailable, "inference backend returned %d", resp.StatusCode)
	}
	return nil
}

func (c *openaiClient) newRequest(ctx context.Context, req CompletionRequest, stream bool) (*http.Request, error) {
	oaiReq := map[string]any{
		"model":       c.model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
		"stream":      stream,
	}
	if req.MaxTokens > 0 {
		oaiReq["max_tokens"] = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		oaiReq["stop"] = append([]string(nil), req.StopSequences...)
	}

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)
	return httpReq, nil
}

func (c *openaiClient) setHeaders(httpReq *http.Request) {
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
}

func (c *openaiClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	prefix := logPrefix(req.RequestID)

	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("%sPOST %s/chat/completions model=%s", prefix, c.baseURL, c.model)

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("%serror response %d: %s", prefix, resp.StatusCode, string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage TokenUsage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, miltonerrors.New(miltonerrors.KindInferenceUnavailable, "no choices in response")
	}

	total := time.Since(started)
	result := &CompletionResponse{
		Content:    oaiResp.Choices[0].Message.Content,
		StopReason: oaiResp.Choices[0].FinishReason,
		Usage:      oaiResp.Usage,
		Timing:     Timing{Total: total},
	}
	if secs := total.Seconds(); secs > 0 && result.Usage.CompletionTokens > 0 {
		result.Timing.TokensPerSecond = float64(result.Usage.CompletionTokens) / secs
	}

	c.logger.Debug("%scomplete stop=%s tokens=%d in %s", prefix, result.StopReason, result.Usage.TotalTokens, total)
	return result, nil
}

// StreamComplete streams incremental completion deltas while constructing
// the final aggregated response. TTFT is measured from request send to the
// first content-bearing chunk.
func (c *openaiClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	prefix := logPrefix(req.RequestID)

	httpReq, err := c.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("%sPOST %s/chat/completions model=%s stream=true", prefix, c.baseURL, c.model)

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}
		c.logger.Debug("%serror response %d: %s", prefix, resp.StatusCode, string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	type streamChunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *TokenUsage `json:"usage"`
	}

	var contentBuilder strings.Builder
	usage := TokenUsage{}
	finishReason := ""
	chunkTokens := 0
	var ttft time.Duration

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("%sskipping undecodable stream chunk: %v", prefix, err)
			continue
		}

		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if text := choice.Delta.Content; text != "" {
			if ttft == 0 {
				ttft = time.Since(started)
				c.logger.Debug("%sttft_ms=%.2f model=%s", prefix, float64(ttft)/float64(time.Millisecond), c.model)
			}
			chunkTokens++
			contentBuilder.WriteString(text)
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(text)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, wrapRequestError(ctx, fmt.Errorf("read response stream: %w", err))
	}

	total := time.Since(started)
	if usage.CompletionTokens == 0 {
		// Backends without stream usage reporting: fall back to chunk count.
		usage.CompletionTokens = chunkTokens
		usage.TotalTokens = usage.PromptTokens + chunkTokens
	}

	result := &CompletionResponse{
		Content:    contentBuilder.String(),
		StopReason: finishReason,
		Usage:      usage,
		Timing:     Timing{TTFT: ttft, Total: total},
	}
	if gen := total - ttft; gen > 0 && usage.CompletionTokens > 0 {
		result.Timing.TokensPerSecond = float64(usage.CompletionTokens) / gen.Seconds()
	}

	c.logger.Debug("%sstream complete stop=%s tokens=%d ttft=%s total=%s",
		prefix, result.StopReason, usage.TotalTokens, ttft, total)
	return result, nil
}

func logPrefix(requestID string) string {
	if requestID == "" {
		return ""
	}
	return fmt.Sprintf("[req:%s] ", requestID)
}

func wrapRequestError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return miltonerrors.Wrap(err, miltonerrors.KindInferenceTimeout, "inference call timed out")
	case errors.Is(err, context.Canceled):
		return miltonerrors.Wrap(err, miltonerrors.KindCancelledByClient, "inference call cancelled")
	default:
		return miltonerrors.Wrap(err, miltonerrors.KindInferenceUnavailable, "inference request failed")
	}
}

func mapHTTPError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return miltonerrors.Newf(miltonerrors.KindInferenceTimeout, "backend %d: %s", status, msg)
	case status >= 500 || status == http.StatusTooManyRequests:
		return miltonerrors.Newf(miltonerrors.KindInferenceUnavailable, "backend %d: %s", status, msg)
	default:
		return miltonerrors.Newf(miltonerrors.KindValidation, "backend %d: %s", status, msg)
	}
}
