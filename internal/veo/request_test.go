package veo

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"
)

func sampleImage() *image.Paletted {
	img := image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{color.Black, color.White})
	img.SetColorIndex(1, 1, 1)
	return img
}

func TestNewImageFormats(t *testing.T) {
	var jpg, pngBuf, gifBuf bytes.Buffer
	if err := jpeg.Encode(&jpg, sampleImage(), nil); err != nil {
		t.Fatalf("jpeg: %v", err)
	}
	if err := png.Encode(&pngBuf, sampleImage()); err != nil {
		t.Fatalf("png: %v", err)
	}
	if err := gif.Encode(&gifBuf, sampleImage(), nil); err != nil {
		t.Fatalf("gif: %v", err)
	}

	tests := []struct {
		name      string
		data      []byte
		wantMIME  string
		unchanged bool
	}{
		{"jpeg", jpg.Bytes(), "image/jpeg", true},
		{"png", pngBuf.Bytes(), "image/png", true},
		{"gif converted", gifBuf.Bytes(), "image/png", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := NewImage(tt.data)
			if err != nil {
				t.Fatalf("NewImage: %v", err)
			}
			if img.MIMEType != tt.wantMIME {
				t.Errorf("MIMEType = %q, want %q", img.MIMEType, tt.wantMIME)
			}
			if same := bytes.Equal(img.Bytes, tt.data); same != tt.unchanged {
				t.Errorf("bytes unchanged = %v, want %v", same, tt.unchanged)
			}
		})
	}
}

func TestNewImageRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("not an image")} {
		if _, err := NewImage(data); !errors.Is(err, ErrUnsupportedImage) {
			t.Errorf("NewImage(%q) err = %v, want ErrUnsupportedImage", data, err)
		}
	}
}

func TestParseAspectRatio(t *testing.T) {
	tests := []struct {
		in      string
		want    AspectRatio
		wantErr bool
	}{
		{"", AspectLandscape, false},
		{"16:9", AspectLandscape, false},
		{"9:16", AspectPortrait, false},
		{"4:3", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAspectRatio(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAspectRatio(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseAspectRatio(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestComposePrompt(t *testing.T) {
	got := ComposePrompt(" sunset over the bay ", "she waves goodbye")
	want := "Creative prompt: sunset over the bay. Dialogue/Action context: she waves goodbye"
	if got != want {
		t.Errorf("ComposePrompt = %q, want %q", got, want)
	}
}
