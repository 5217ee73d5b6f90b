package veo

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"

	// Registered decoders for the formats NewImage accepts.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/webp"
)

// AspectRatio is the frame shape of the generated video.
type AspectRatio string

const (
	AspectLandscape AspectRatio = "16:9"
	AspectPortrait  AspectRatio = "9:16"
)

// Valid reports whether a is one of the supported aspect ratios.
func (a AspectRatio) Valid() bool {
	return a == AspectLandscape || a == AspectPortrait
}

// ParseAspectRatio parses s, defaulting to landscape when s is empty.
func ParseAspectRatio(s string) (AspectRatio, error) {
	if s == "" {
		return AspectLandscape, nil
	}
	a := AspectRatio(s)
	if !a.Valid() {
		return "", fmt.Errorf("unsupported aspect ratio %q", s)
	}
	return a, nil
}

// ErrUnsupportedImage is returned by NewImage for data it cannot decode.
var ErrUnsupportedImage = errors.New("unsupported image format")

// Image is the source frame of a generation.
type Image struct {
	Bytes    []byte
	MIMEType string
}

// NewImage sniffs data and returns an Image the vendor accepts. JPEG and PNG
// pass through untouched; GIF and WebP are re-encoded as PNG.
func NewImage(data []byte) (Image, error) {
	if len(data) == 0 {
		return Image{}, ErrUnsupportedImage
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	switch format {
	case "jpeg":
		return Image{Bytes: data, MIMEType: "image/jpeg"}, nil
	case "png":
		return Image{Bytes: data, MIMEType: "image/png"}, nil
	case "gif", "webp":
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return Image{}, fmt.Errorf("decode %s: %w", format, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return Image{}, fmt.Errorf("encode png: %w", err)
		}
		return Image{Bytes: buf.Bytes(), MIMEType: "image/png"}, nil
	default:
		return Image{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, format)
	}
}

// Request is a single generation request. It is not modified after Submit.
type Request struct {
	Prompt      string
	Image       Image
	AspectRatio AspectRatio
}

// ComposePrompt joins the creative prompt with the dialogue or action
// context the way the model is instructed.
func ComposePrompt(prompt, transcript string) string {
	return fmt.Sprintf("Creative prompt: %s. Dialogue/Action context: %s",
		strings.TrimSpace(prompt), strings.TrimSpace(transcript))
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if len(r.Image.Bytes) == 0 {
		return errors.New("image is required")
	}
	if r.Image.MIMEType == "" {
		return errors.New("image mime type is required")
	}
	if !r.AspectRatio.Valid() {
		return fmt.Errorf("unsupported aspect ratio %q", r.AspectRatio)
	}
	return nil
}
