package veo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	// DefaultDownloadTimeout bounds a single artifact download.
	DefaultDownloadTimeout = 2 * time.Minute

	defaultVideoMIME = "video/mp4"
	maxErrorBody     = 4 << 10
)

// Fetcher downloads the video a completed operation points at.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (Artifact, error)
}

// artifactMIME picks the MIME type of a downloaded body from its leading
// bytes. Text is never a video; unrecognised binary data is taken as MP4.
func artifactMIME(data []byte) (string, error) {
	mime := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(mime, "video/"):
		return mime, nil
	case strings.HasPrefix(mime, "text/"):
		return "", fmt.Errorf("downloaded body is %s, not a video", mime)
	}
	return defaultVideoMIME, nil
}

// statusTransport turns non-2xx file downloads into genai.APIError. The
// SDK hands any download response body back as file content.
type statusTransport struct {
	base http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || !isDownload(req.URL) || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		return resp, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var wrapped struct {
		Error genai.APIError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error.Code != 0 {
		return nil, wrapped.Error
	}
	return nil, genai.APIError{
		Code:    resp.StatusCode,
		Status:  resp.Status,
		Message: strings.TrimSpace(string(body)),
	}
}

func isDownload(u *url.URL) bool {
	return strings.HasSuffix(u.Path, ":download")
}
