package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/manash/imgstudio/pkg/models"
)

// LegacyPrompt labels entries recovered from the metadata-less format.
const LegacyPrompt = "Legacy Image"

// Migrate decodes a stored blob into history entries. A non-empty array whose
// first element is a bare string is the legacy format; each string becomes an
// entry stamped with now. Structured entries without an ID are given one.
// The boolean reports whether anything was upgraded, so running Migrate on
// its own output is a no-op.
func Migrate(raw []byte, now time.Time) ([]models.GeneratedImage, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []models.GeneratedImage{}, false, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(items) == 0 {
		return []models.GeneratedImage{}, false, nil
	}

	if isLegacy(items[0]) {
		var urls []string
		if err := json.Unmarshal(raw, &urls); err != nil {
			return nil, false, fmt.Errorf("%w: mixed legacy entries: %v", ErrCorrupt, err)
		}
		images := make([]models.GeneratedImage, 0, len(urls))
		for _, url := range urls {
			images = append(images, models.GeneratedImage{
				ID:        uuid.NewString(),
				URL:       url,
				Prompt:    LegacyPrompt,
				Timestamp: now.UnixMilli(),
			})
		}
		return Bound(images), true, nil
	}

	var images []models.GeneratedImage
	if err := json.Unmarshal(raw, &images); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	migrated := false
	for i := range images {
		if images[i].ID == "" {
			images[i].ID = uuid.NewString()
			migrated = true
		}
	}
	if len(images) > Capacity {
		migrated = true
	}
	return Bound(images), migrated, nil
}

func isLegacy(first json.RawMessage) bool {
	first = bytes.TrimSpace(first)
	return len(first) > 0 && first[0] == '"'
}
