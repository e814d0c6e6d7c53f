package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ksred/blineit-api/pkg/apperr"
)

var (
	ErrGatewayRateLimited = apperr.New(apperr.KindRateLimited, "Rate limits exceeded, please try again later.")
	ErrGatewayPayment     = apperr.New(apperr.KindPaymentRequired, "Payment required, please add funds to your AI workspace.")
	ErrGatewayUnavailable = apperr.New(apperr.KindUpstream, "AI gateway error")
)

// Client talks to an OpenAI-compatible chat completions gateway
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewClient creates a gateway client. Streaming responses are not bounded by
// the client timeout; callers cancel them through the context.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{},
	}
}

// Complete runs a non-streaming completion and returns the first choice's text.
// With jsonMode the gateway is asked for a JSON object.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage, jsonMode bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := chatRequest{Model: c.model, Messages: messages}
	if jsonMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", apperr.New(apperr.KindUpstream, "AI gateway returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// Stream starts a streaming completion and returns the raw event stream.
// The caller must close it.
func (c *Client) Stream(ctx context.Context, messages []ChatMessage) (io.ReadCloser, error) {
	resp, err := c.do(ctx, chatRequest{Model: c.model, Messages: messages, Stream: true})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, body chatRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}

	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, ErrGatewayRateLimited
	case http.StatusPaymentRequired:
		return nil, ErrGatewayPayment
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayUnavailable, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
}
