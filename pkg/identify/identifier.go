package identify

import (
	"context"
	"strings"

	"github.com/menta2k/food-portion/pkg/client"
	"github.com/menta2k/food-portion/pkg/types"
)

// DefaultPrompt asks for nothing but the dish name
const DefaultPrompt = `Identify the food in this image in a few words. Reply with the food name only, no sentence, no punctuation.`

// Identifier names the dish in a photo using a vision model
type Identifier struct {
	client client.VisionClient
	model  string
	prompt string
}

// New creates an identifier for the given model
func New(c client.VisionClient, model string) *Identifier {
	return &Identifier{client: c, model: model, prompt: DefaultPrompt}
}

// WithPrompt overrides the identification prompt
func (i *Identifier) WithPrompt(prompt string) *Identifier {
	i.prompt = prompt
	return i
}

// Identify returns the trimmed, non-empty dish name
func (i *Identifier) Identify(ctx context.Context, imageB64 string) (types.FoodIdentification, error) {
	reply, err := i.client.SimpleQuery(ctx, i.model, i.prompt, imageB64)
	if err != nil {
		return types.FoodIdentification{}, &types.UpstreamError{Service: "identification", Err: err}
	}

	name := CleanName(reply)
	if name == "" {
		return types.FoodIdentification{}, &types.UpstreamError{
			Service: "identification",
			Payload: "empty food name",
		}
	}
	return types.FoodIdentification{FoodName: name}, nil
}

// CleanName keeps the first non-empty line of a model reply and strips
// quoting, markdown emphasis and trailing punctuation
func CleanName(reply string) string {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.Trim(line, " \t\r\"'`*_.!;:,")
		if line != "" {
			return line
		}
	}
	return ""
}
