package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"
)

// Gemini implements Oracle via Google's Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// Interpret sends the evidence bundle in a single generateContent call. No
// retries: the caller resolves failures into a safe-fail verdict and the
// user decides whether to resubmit.
func (g *Gemini) Interpret(ctx context.Context, bundle Bundle) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	parts := make([]*genai.Part, 0, 2)
	if len(bundle.ImageData) > 0 {
		parts = append(parts, genai.NewPartFromBytes(bundle.ImageData, bundle.ImageMIME))
	}
	parts = append(parts, genai.NewPartFromText(bundle.Instruction))

	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(callCtx, g.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.2),
	})
	if err != nil {
		return "", classify(err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("empty oracle response")
	}
	return text, nil
}

// classify maps provider errors onto the transport taxonomy so the caller
// can produce a cause-specific explanation without knowing about HTTP.
func classify(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %v", ErrOverloaded, err)
	default:
		return err
	}
}
