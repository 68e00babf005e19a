// Package display renders full-screen image previews in the terminal.
package display

import (
	"bytes"
	"fmt"
	goimage "image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/manash/imgstudio/pkg/models"
)

type Displayer struct {
	out    io.Writer
	inline bool
}

// New returns a Displayer that draws images inline when the terminal
// supports the kitty graphics protocol.
func New(out io.Writer) *Displayer {
	return &Displayer{out: out, inline: IsTerminalSupported()}
}

func NewWithInline(out io.Writer, inline bool) *Displayer {
	return &Displayer{out: out, inline: inline}
}

func (d *Displayer) Inline() bool {
	return d.inline
}

// Show renders img followed by a caption with its prompt and creation time.
func (d *Displayer) Show(img models.GeneratedImage) error {
	if d.inline {
		data, err := pngData(img.URL)
		if err != nil {
			return err
		}
		if err := writeKitty(d.out, data); err != nil {
			return fmt.Errorf("failed to encode image: %w", err)
		}
		fmt.Fprintln(d.out)
	}

	fmt.Fprintf(d.out, "%s  (%s)\n", img.Prompt, time.UnixMilli(img.Timestamp).Format("2006-01-02 15:04:05"))
	return nil
}

// pngData decodes an encoded image, converting it to PNG if needed.
func pngData(url string) ([]byte, error) {
	mimeType, data, err := models.DecodeDataURL(url)
	if err != nil {
		return nil, err
	}
	if mimeType == "image/png" {
		return data, nil
	}

	img, _, err := goimage.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", mimeType, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to convert to png: %w", err)
	}
	return buf.Bytes(), nil
}

func IsTerminalSupported() bool {
	termProgram := strings.ToLower(os.Getenv("TERM_PROGRAM"))
	switch termProgram {
	case "kitty", "ghostty", "wezterm":
		return true
	}

	if os.Getenv("KITTY_WINDOW_ID") != "" {
		return true
	}

	term := strings.ToLower(os.Getenv("TERM"))
	return strings.Contains(term, "kitty") || strings.Contains(term, "ghostty")
}
