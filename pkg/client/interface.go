package client

import (
	"context"
)

// VisionClient answers a prompt about an image
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
}

// TextClient answers a text-only prompt
type TextClient interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// LLMClient is a backend that serves both kinds of query
type LLMClient interface {
	VisionClient
	TextClient
}
