// Package gemini implements provider.Provider on the Gemini API image models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/manash/imgstudio/internal/provider"
	"github.com/manash/imgstudio/pkg/models"
)

const (
	DefaultModel   = "gemini-3-pro-image-preview"
	defaultTimeout = 120 * time.Second
)

// contentGenerator is the subset of *genai.Models the provider calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Provider struct {
	models contentGenerator
	model  string
	logger *slog.Logger
}

func New(ctx context.Context, cfg *provider.Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newWithGenerator(client.Models, cfg.Model, nil), nil
}

// NewProvider adapts New to provider.Constructor.
func NewProvider(ctx context.Context, cfg *provider.Config) (provider.Provider, error) {
	return New(ctx, cfg)
}

func newWithGenerator(gen contentGenerator, model string, logger *slog.Logger) *Provider {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{models: gen, model: model, logger: logger.With("provider", "gemini")}
}

func (p *Provider) Name() models.ProviderType {
	return models.ProviderGemini
}

func (p *Provider) GenerateImage(ctx context.Context, req *models.GenerateRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	req = provider.Normalize(req)

	parts := make([]*genai.Part, 0, len(req.ReferenceImages)+1)
	for i, ref := range req.ReferenceImages {
		part, err := imagePart(ref)
		if err != nil {
			return "", fmt.Errorf("reference image %d: %w", i+1, err)
		}
		parts = append(parts, part)
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		ImageConfig: &genai.ImageConfig{
			AspectRatio: req.AspectRatio.String(),
			ImageSize:   req.Resolution.String(),
		},
	}

	p.logger.Debug("generate request",
		"model", p.modelFor(req.Model),
		"prompt_len", len(req.Prompt),
		"references", len(req.ReferenceImages),
		"resolution", req.Resolution,
		"aspect_ratio", req.AspectRatio)

	return p.call(ctx, "generate", req.Model, parts, config)
}

func (p *Provider) EditImage(ctx context.Context, req *models.EditRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	source, err := imagePart(req.Source)
	if err != nil {
		return "", fmt.Errorf("source image: %w", err)
	}
	parts := []*genai.Part{source, genai.NewPartFromText(req.Prompt)}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	p.logger.Debug("edit request", "model", p.modelFor(req.Model), "prompt_len", len(req.Prompt))

	return p.call(ctx, "edit", req.Model, parts, config)
}

func (p *Provider) modelFor(requested string) string {
	if requested != "" {
		return requested
	}
	return p.model
}

func (p *Provider) call(ctx context.Context, op, model string, parts []*genai.Part, config *genai.GenerateContentConfig) (string, error) {
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := p.models.GenerateContent(ctx, p.modelFor(model), contents, config)
	if err != nil {
		return "", wrapError(op, err)
	}

	url, err := extractImage(resp)
	if err != nil {
		return "", &provider.GenerationError{Op: op, Message: err.Error(), Err: err}
	}
	return url, nil
}

func imagePart(dataURL string) (*genai.Part, error) {
	mimeType, data, err := models.DecodeDataURL(dataURL)
	if err != nil {
		return nil, err
	}
	return genai.NewPartFromBytes(data, mimeType), nil
}

func extractImage(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", provider.ErrNoImage
	}

	var texts []string
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mimeType := part.InlineData.MIMEType
				if mimeType == "" {
					mimeType = "image/png"
				}
				return models.EncodeDataURL(mimeType, part.InlineData.Data), nil
			}
			if t := strings.TrimSpace(part.Text); t != "" {
				texts = append(texts, t)
			}
		}
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: request blocked (%s)", provider.ErrNoImage, resp.PromptFeedback.BlockReason)
	}
	if len(texts) > 0 {
		return "", fmt.Errorf("%w: %s", provider.ErrNoImage, strings.Join(texts, " "))
	}
	return "", provider.ErrNoImage
}

func wrapError(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return &provider.GenerationError{
			Op:      op,
			Message: provider.ExtractMessage(apiErr.Message),
			Err:     err,
		}
	}
	return provider.NewGenerationError(op, err)
}
