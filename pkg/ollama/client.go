package ollama

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// defaultTimeout applies when the caller's context has no deadline
const defaultTimeout = 120 * time.Second

// Client wraps the Ollama API client
type Client struct {
	client *api.Client
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL string) (*Client, error) {
	return NewClientWithHTTP(ollamaURL, http.DefaultClient)
}

// NewClientWithHTTP creates a client that talks through the given http.Client
func NewClientWithHTTP(ollamaURL string, httpClient *http.Client) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", ollamaURL)
	}

	// Create base URL from the provided URL (removing path like /api/chat)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Client{client: api.NewClient(baseURL, httpClient)}, nil
}

// SimpleQuery asks about an image and returns the model's text reply
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %w", err)
	}

	msg := api.Message{
		Role:    "user",
		Content: prompt,
		Images:  []api.ImageData{api.ImageData(imgBytes)},
	}
	return c.chat(ctx, model, msg, nil)
}

// Complete sends a text-only prompt. Temperature is kept low since callers
// parse the reply.
func (c *Client) Complete(ctx context.Context, model, prompt string) (string, error) {
	msg := api.Message{
		Role:    "user",
		Content: prompt,
	}
	return c.chat(ctx, model, msg, map[string]any{"temperature": 0.1})
}

func (c *Client) chat(ctx context.Context, model string, msg api.Message, options map[string]any) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: []api.Message{msg},
		Stream:   &streamFalse,
		Options:  options,
	}

	var sb strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %w", err)
	}

	return sb.String(), nil
}
