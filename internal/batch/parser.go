package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/manash/imgstudio/pkg/models"
)

type Item struct {
	Index       int
	Prompt      string
	Resolution  models.Resolution
	AspectRatio models.AspectRatio
	Images      []string
}

type jsonItem struct {
	Prompt      string   `json:"prompt"`
	Resolution  string   `json:"resolution,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Images      []string `json:"images,omitempty"`
}

// ParseFile reads a .txt (one prompt per line, # comments) or .json batch.
// Relative reference image paths are resolved against the file's directory.
func ParseFile(path string) ([]Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var items []Item
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		items, err = ParseJSON(file)
	case ".txt", "":
		items, err = ParseText(file)
	default:
		return nil, fmt.Errorf("unsupported file format %q: use .txt or .json", ext)
	}
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for i := range items {
		for j, img := range items[i].Images {
			if !filepath.IsAbs(img) {
				items[i].Images[j] = filepath.Join(base, img)
			}
		}
	}
	return items, nil
}

func ParseText(r io.Reader) ([]Item, error) {
	var items []Item
	scanner := bufio.NewScanner(r)
	index := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		index++
		items = append(items, Item{Index: index, Prompt: line})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no prompts found in file")
	}
	return items, nil
}

func ParseJSON(r io.Reader) ([]Item, error) {
	var jsonItems []jsonItem
	if err := json.NewDecoder(r).Decode(&jsonItems); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if len(jsonItems) == 0 {
		return nil, fmt.Errorf("no prompts found in file")
	}

	items := make([]Item, len(jsonItems))
	for i, ji := range jsonItems {
		if strings.TrimSpace(ji.Prompt) == "" {
			return nil, fmt.Errorf("item %d has empty prompt", i+1)
		}
		item := Item{Index: i + 1, Prompt: ji.Prompt, Images: ji.Images}

		if ji.Resolution != "" {
			res, err := models.ParseResolution(ji.Resolution)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i+1, err)
			}
			item.Resolution = res
		}
		if ji.AspectRatio != "" {
			ratio, err := models.ParseAspectRatio(ji.AspectRatio)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i+1, err)
			}
			item.AspectRatio = ratio
		}
		items[i] = item
	}
	return items, nil
}
