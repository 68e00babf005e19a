package image

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/manash/imgstudio/pkg/models"
)

const slugLength = 32

var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
}

type Saver struct {
	Dir string
}

func NewSaver(dir string) *Saver {
	return &Saver{Dir: dir}
}

// Write decodes an encoded image and copies its bytes to w.
func (s *Saver) Write(w io.Writer, url string) (string, error) {
	mimeType, data, err := models.DecodeDataURL(url)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	return mimeType, nil
}

// SaveFile writes the image to path, or into Dir under its generated name
// when path is empty. It returns the path written.
func (s *Saver) SaveFile(img models.GeneratedImage, path string) (string, error) {
	if path == "" {
		path = filepath.Join(s.Dir, Filename(img))
	}

	if err := ensureDir(path); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if _, err := s.Write(f, img.URL); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// Filename names a download after its creation time and prompt.
func Filename(img models.GeneratedImage) string {
	ext := "png"
	if mimeType, _, err := models.DecodeDataURL(img.URL); err == nil {
		ext = models.ExtensionFor(mimeType)
	}

	stamp := time.UnixMilli(img.Timestamp).Format("20060102-150405")
	slug := slugify(img.Prompt)
	if slug == "" {
		return fmt.Sprintf("image-%s.%s", stamp, ext)
	}
	return fmt.Sprintf("image-%s-%s.%s", stamp, slug, ext)
}

func slugify(prompt string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(prompt) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= slugLength {
			break
		}
	}
	return SanitizeFilename(strings.Trim(b.String(), "-"))
}

// SanitizeFilename strips path separators and characters that are invalid
// on common filesystems.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-",
		"*", "", "?", "", "\"", "",
		"<", "", ">", "", "|", "", "\x00", "",
	)
	sanitized := replacer.Replace(name)
	sanitized = strings.TrimLeft(sanitized, ".-")
	sanitized = strings.TrimRight(sanitized, ". ")

	if reservedNames[strings.ToLower(sanitized)] {
		sanitized += "_"
	}
	return sanitized
}
