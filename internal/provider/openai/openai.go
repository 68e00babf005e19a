// Package openai implements provider.Provider on the OpenAI Images API.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/manash/imgstudio/internal/provider"
	"github.com/manash/imgstudio/pkg/models"
)

const (
	DefaultModel   = "gpt-image-1"
	defaultTimeout = 120 * time.Second
)

// imagesAPI is the subset of openai.ImageService the provider calls.
type imagesAPI interface {
	Generate(ctx context.Context, body openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
	Edit(ctx context.Context, body openai.ImageEditParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

type Provider struct {
	images imagesAPI
	model  string
	logger *slog.Logger
}

func New(_ context.Context, cfg *provider.Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)
	return newWithImages(&client.Images, cfg.Model, nil), nil
}

// NewProvider adapts New to provider.Constructor.
func NewProvider(ctx context.Context, cfg *provider.Config) (provider.Provider, error) {
	return New(ctx, cfg)
}

func newWithImages(images imagesAPI, model string, logger *slog.Logger) *Provider {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{images: images, model: model, logger: logger.With("provider", "openai")}
}

func (p *Provider) Name() models.ProviderType {
	return models.ProviderOpenAI
}

func (p *Provider) modelFor(requested string) string {
	if requested != "" {
		return requested
	}
	return p.model
}

// sizeFor picks the closest supported canvas for the ratio's orientation.
func sizeFor(a models.AspectRatio) string {
	switch a.Orientation() {
	case 1:
		return "1536x1024"
	case -1:
		return "1024x1536"
	default:
		return "1024x1024"
	}
}

func qualityFor(r models.Resolution) string {
	switch r {
	case models.Resolution4K:
		return "high"
	case models.Resolution2K:
		return "medium"
	default:
		return "low"
	}
}

func (p *Provider) GenerateImage(ctx context.Context, req *models.GenerateRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	req = provider.Normalize(req)
	model := p.modelFor(req.Model)

	p.logger.Debug("generate request",
		"model", model,
		"prompt_len", len(req.Prompt),
		"references", len(req.ReferenceImages),
		"resolution", req.Resolution,
		"aspect_ratio", req.AspectRatio)

	if len(req.ReferenceImages) > 0 {
		files := make([]io.Reader, 0, len(req.ReferenceImages))
		for i, ref := range req.ReferenceImages {
			f, err := imageFile(ref, fmt.Sprintf("reference-%d", i+1))
			if err != nil {
				return "", fmt.Errorf("reference image %d: %w", i+1, err)
			}
			files = append(files, f)
		}
		params := openai.ImageEditParams{
			Image:   openai.ImageEditParamsImageUnion{OfFileArray: files},
			Prompt:  req.Prompt,
			Model:   openai.ImageModel(model),
			N:       openai.Int(1),
			Size:    openai.ImageEditParamsSize(sizeFor(req.AspectRatio)),
			Quality: openai.ImageEditParamsQuality(qualityFor(req.Resolution)),
		}
		resp, err := p.images.Edit(ctx, params)
		return p.firstImage("generate", resp, err)
	}

	params := openai.ImageGenerateParams{
		Prompt:  req.Prompt,
		Model:   openai.ImageModel(model),
		N:       openai.Int(1),
		Size:    openai.ImageGenerateParamsSize(sizeFor(req.AspectRatio)),
		Quality: openai.ImageGenerateParamsQuality(qualityFor(req.Resolution)),
	}
	resp, err := p.images.Generate(ctx, params)
	return p.firstImage("generate", resp, err)
}

func (p *Provider) EditImage(ctx context.Context, req *models.EditRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	f, err := imageFile(req.Source, "source")
	if err != nil {
		return "", fmt.Errorf("source image: %w", err)
	}

	model := p.modelFor(req.Model)
	p.logger.Debug("edit request", "model", model, "prompt_len", len(req.Prompt))

	resp, err := p.images.Edit(ctx, openai.ImageEditParams{
		Image:  openai.ImageEditParamsImageUnion{OfFile: f},
		Prompt: req.Prompt,
		Model:  openai.ImageModel(model),
		N:      openai.Int(1),
	})
	return p.firstImage("edit", resp, err)
}

func (p *Provider) firstImage(op string, resp *openai.ImagesResponse, err error) (string, error) {
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			return "", &provider.GenerationError{Op: op, Message: provider.ExtractMessage(apiErr.Message), Err: err}
		}
		return "", provider.NewGenerationError(op, err)
	}

	if resp == nil || len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return "", &provider.GenerationError{Op: op, Message: provider.ErrNoImage.Error(), Err: provider.ErrNoImage}
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return "", &provider.GenerationError{Op: op, Message: "malformed image data in response", Err: err}
	}
	return models.EncodeDataURL("image/png", data), nil
}

func imageFile(dataURL, name string) (io.Reader, error) {
	mimeType, data, err := models.DecodeDataURL(dataURL)
	if err != nil {
		return nil, err
	}
	filename := name + "." + models.ExtensionFor(mimeType)
	return openai.File(bytes.NewReader(data), filename, mimeType), nil
}
