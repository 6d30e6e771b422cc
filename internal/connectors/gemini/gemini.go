// Package gemini runs prompts on Google Gemini models through the genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fentz26/kaiba/internal/connectors"
	"github.com/fentz26/kaiba/internal/models"
	"google.golang.org/genai"
)

// Generator is the part of the genai Models service used here.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements connectors.Invoker for the google provider.
type Client struct {
	models Generator
}

// New creates a Client authenticated with apiKey.
func New(ctx context.Context, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{models: client.Models}, nil
}

// NewWithGenerator wraps an existing generator.
func NewWithGenerator(g Generator) *Client {
	return &Client{models: g}
}

// Invoke implements connectors.Invoker.
func (c *Client) Invoke(ctx context.Context, backend models.Backend, prompt string, fragments []string) (*connectors.Response, error) {
	var contents []*genai.Content
	for _, f := range fragments {
		contents = append(contents, genai.NewContentFromText(f, genai.RoleUser))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	resp, err := c.models.GenerateContent(ctx, backend.ModelID, contents, BuildConfig(backend.Config))
	if err != nil {
		return nil, classify(ctx, err)
	}

	text := strings.TrimSpace(resp.Text())
	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if tokens == 0 {
		tokens = connectors.EstimateTokens(prompt, text)
	}
	model := backend.ModelID
	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}
	return &connectors.Response{Text: text, TokensConsumed: tokens, Model: model}, nil
}

// BuildConfig maps backend settings onto a generation config.
func BuildConfig(cfg models.BackendConfig) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{}
	if cfg.Temperature != nil {
		gc.Temperature = genai.Ptr(float32(*cfg.Temperature))
	}
	if cfg.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = int32(cfg.MaxOutputTokens)
	}
	if cfg.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}
	if cfg.WebSearch {
		gc.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return gc
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("gemini generate: %w", errors.Join(err, connectors.ErrTransient))
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code == http.StatusRequestTimeout, apiErr.Code >= 500:
			return fmt.Errorf("gemini generate: %w", errors.Join(err, connectors.ErrTransient))
		default:
			return fmt.Errorf("gemini generate: %w", errors.Join(err, connectors.ErrPermanent))
		}
	}
	// Network level failures never reached the API.
	return fmt.Errorf("gemini generate: %w", errors.Join(err, connectors.ErrTransient))
}
