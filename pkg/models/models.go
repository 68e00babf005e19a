package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrEmptyPrompt        = errors.New("prompt cannot be empty")
	ErrInvalidResolution  = errors.New("invalid resolution")
	ErrInvalidAspectRatio = errors.New("invalid aspect ratio")
	ErrNoImageData        = errors.New("image data is required for editing")
	ErrInvalidProvider    = errors.New("invalid provider")
)

type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
	ProviderOpenAI ProviderType = "openai"
)

func ValidProviders() []ProviderType {
	return []ProviderType{ProviderGemini, ProviderOpenAI}
}

func (p ProviderType) IsValid() bool {
	return slices.Contains(ValidProviders(), p)
}

// EnvVar names the environment variable holding the provider's API key.
func (p ProviderType) EnvVar() string {
	return strings.ToUpper(string(p)) + "_API_KEY"
}

type Resolution string

const (
	Resolution1K Resolution = "1K"
	Resolution2K Resolution = "2K"
	Resolution4K Resolution = "4K"

	DefaultResolution = Resolution1K
)

func ValidResolutions() []Resolution {
	return []Resolution{Resolution1K, Resolution2K, Resolution4K}
}

func (r Resolution) IsValid() bool {
	return slices.Contains(ValidResolutions(), r)
}

func (r Resolution) String() string {
	return string(r)
}

func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToUpper(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", fmt.Errorf("%w: %q not in %v", ErrInvalidResolution, s, ValidResolutions())
	}
	return r, nil
}

type AspectRatio string

const (
	AspectSquare    AspectRatio = "1:1"
	AspectPortrait  AspectRatio = "2:3"
	AspectLandscape AspectRatio = "3:2"
	Aspect3x4       AspectRatio = "3:4"
	Aspect4x3       AspectRatio = "4:3"
	Aspect4x5       AspectRatio = "4:5"
	Aspect5x4       AspectRatio = "5:4"
	Aspect9x16      AspectRatio = "9:16"
	Aspect16x9      AspectRatio = "16:9"
	Aspect21x9      AspectRatio = "21:9"

	DefaultAspectRatio = AspectSquare
)

// ValidAspectRatios lists every ratio a user may pick. The generation
// backends accept only AcceptedAspectRatios; see provider.Normalize.
func ValidAspectRatios() []AspectRatio {
	return []AspectRatio{
		AspectSquare, AspectPortrait, AspectLandscape, Aspect3x4, Aspect4x3,
		Aspect4x5, Aspect5x4, Aspect9x16, Aspect16x9, Aspect21x9,
	}
}

func AcceptedAspectRatios() []AspectRatio {
	return []AspectRatio{AspectSquare, Aspect3x4, Aspect4x3, Aspect9x16, Aspect16x9, Aspect21x9}
}

func (a AspectRatio) IsValid() bool {
	return slices.Contains(ValidAspectRatios(), a)
}

func (a AspectRatio) IsAccepted() bool {
	return slices.Contains(AcceptedAspectRatios(), a)
}

func (a AspectRatio) String() string {
	return string(a)
}

// Orientation reports whether the ratio is wider than tall (1), taller
// than wide (-1) or square (0).
func (a AspectRatio) Orientation() int {
	var w, h int
	if _, err := fmt.Sscanf(string(a), "%d:%d", &w, &h); err != nil {
		return 0
	}
	switch {
	case w > h:
		return 1
	case w < h:
		return -1
	default:
		return 0
	}
}

func ParseAspectRatio(s string) (AspectRatio, error) {
	a := AspectRatio(strings.TrimSpace(s))
	if !a.IsValid() {
		return "", fmt.Errorf("%w: %q not in %v", ErrInvalidAspectRatio, s, ValidAspectRatios())
	}
	return a, nil
}

type GenerateRequest struct {
	Prompt          string
	ReferenceImages []string
	Resolution      Resolution
	AspectRatio     AspectRatio
	Model           string
}

func NewGenerateRequest(prompt string) *GenerateRequest {
	return &GenerateRequest{
		Prompt:      prompt,
		Resolution:  DefaultResolution,
		AspectRatio: DefaultAspectRatio,
	}
}

func (r *GenerateRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if r.Resolution != "" && !r.Resolution.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidResolution, r.Resolution)
	}
	if r.AspectRatio != "" && !r.AspectRatio.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidAspectRatio, r.AspectRatio)
	}
	return nil
}

type EditRequest struct {
	Prompt string
	Source string
	Model  string
}

func NewEditRequest(source, prompt string) *EditRequest {
	return &EditRequest{
		Source: source,
		Prompt: prompt,
	}
}

func (r *EditRequest) Validate() error {
	if r.Source == "" {
		return ErrNoImageData
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}
