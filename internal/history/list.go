package history

import "github.com/manash/imgstudio/pkg/models"

// Capacity is the maximum number of entries kept; older ones are dropped.
const Capacity = 10

// Prepend returns a new list with img first, bounded to Capacity. The input
// slice is never modified so callers can swap the whole list in one step.
func Prepend(list []models.GeneratedImage, img models.GeneratedImage) []models.GeneratedImage {
	out := make([]models.GeneratedImage, 0, min(len(list)+1, Capacity))
	out = append(out, img)
	for _, existing := range list {
		if len(out) == Capacity {
			break
		}
		out = append(out, existing)
	}
	return out
}

// Remove returns a copy of list without the entries matching img.
func Remove(list []models.GeneratedImage, img models.GeneratedImage) ([]models.GeneratedImage, bool) {
	out := make([]models.GeneratedImage, 0, len(list))
	removed := false
	for _, existing := range list {
		if existing.SameAs(img) {
			removed = true
			continue
		}
		out = append(out, existing)
	}
	return out, removed
}

// Bound truncates list to Capacity entries.
func Bound(list []models.GeneratedImage) []models.GeneratedImage {
	if len(list) <= Capacity {
		return list
	}
	return list[:Capacity]
}

// Find returns the entry with the given ID.
func Find(list []models.GeneratedImage, id string) (models.GeneratedImage, bool) {
	for _, img := range list {
		if img.ID == id {
			return img, true
		}
	}
	return models.GeneratedImage{}, false
}
