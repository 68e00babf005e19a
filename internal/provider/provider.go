package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/manash/imgstudio/pkg/models"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrAPIKeyRequired   = errors.New("API key is required")
	ErrGenerationFailed = errors.New("image generation failed")
	ErrEditFailed       = errors.New("image edit failed")
	ErrNoImage          = errors.New("no image in response")
)

// MaxReferenceImages is how many reference images a generation request
// forwards; extra ones are dropped.
const MaxReferenceImages = 2

// Provider is the remote image service. Both calls return an encoded
// image (data URL).
type Provider interface {
	Name() models.ProviderType
	GenerateImage(ctx context.Context, req *models.GenerateRequest) (string, error)
	EditImage(ctx context.Context, req *models.EditRequest) (string, error)
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	TimeoutSec int
}

// Normalize returns a copy of req ready for dispatch: the resolution is
// defaulted, an aspect ratio outside models.AcceptedAspectRatios becomes
// 1:1, and reference images are capped at MaxReferenceImages.
func Normalize(req *models.GenerateRequest) *models.GenerateRequest {
	out := *req
	if !out.Resolution.IsValid() {
		out.Resolution = models.DefaultResolution
	}
	if !out.AspectRatio.IsAccepted() {
		out.AspectRatio = models.AspectSquare
	}
	out.ReferenceImages = slices.Clone(out.ReferenceImages)
	if len(out.ReferenceImages) > MaxReferenceImages {
		out.ReferenceImages = out.ReferenceImages[:MaxReferenceImages]
	}
	return &out
}

// GenerationError carries the message shown to the user for a failed
// remote call.
type GenerationError struct {
	Op      string
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	return e.Message
}

func (e *GenerationError) Unwrap() []error {
	sentinel := ErrGenerationFailed
	if e.Op == "edit" {
		sentinel = ErrEditFailed
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

func NewGenerationError(op string, err error) *GenerationError {
	msg := ""
	if err != nil {
		msg = ExtractMessage(err.Error())
	}
	if strings.TrimSpace(msg) == "" {
		msg = fmt.Sprintf("image %s failed", op)
	}
	return &GenerationError{Op: op, Message: msg, Err: err}
}

// ExtractMessage pulls a readable message out of an error string that may
// embed a JSON payload, preferring error.message, then message. The raw
// string is returned when no JSON can be parsed.
func ExtractMessage(raw string) string {
	candidates := []string{raw}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			candidates = append(candidates, raw[start:end+1])
		}
	}

	for _, c := range candidates {
		if !gjson.Valid(c) {
			continue
		}
		for _, path := range []string{"error.message", "message"} {
			if m := gjson.Get(c, path); m.Type == gjson.String && m.Str != "" {
				return m.Str
			}
		}
	}
	return raw
}

// Constructor builds a backend from its configuration.
type Constructor func(ctx context.Context, cfg *Config) (Provider, error)

type Factory struct {
	constructors map[models.ProviderType]Constructor
	configs      map[models.ProviderType]*Config
}

func NewFactory() *Factory {
	return &Factory{
		constructors: make(map[models.ProviderType]Constructor),
		configs:      make(map[models.ProviderType]*Config),
	}
}

func (f *Factory) Register(providerType models.ProviderType, c Constructor) {
	f.constructors[providerType] = c
}

func (f *Factory) Configure(providerType models.ProviderType, cfg *Config) {
	f.configs[providerType] = cfg
}

func (f *Factory) GetConfig(providerType models.ProviderType) (*Config, bool) {
	cfg, ok := f.configs[providerType]
	return cfg, ok
}

func (f *Factory) New(ctx context.Context, providerType models.ProviderType) (Provider, error) {
	c, ok := f.constructors[providerType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerType)
	}
	cfg, ok := f.configs[providerType]
	if !ok {
		cfg = &Config{}
	}
	return c(ctx, cfg)
}

func (f *Factory) ListProviders() []models.ProviderType {
	types := make([]models.ProviderType, 0, len(f.constructors))
	for t := range f.constructors {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
