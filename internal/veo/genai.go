package veo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/genai"
)

const (
	DefaultModel      = "veo-3.1-fast-generate-preview"
	DefaultResolution = "720p"
)

// videoAPI is the slice of the genai client the provider uses.
type videoAPI interface {
	GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
	GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation, config *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error)
	Download(ctx context.Context, uri string) ([]byte, error)
}

type genaiClient struct {
	models     *genai.Models
	operations *genai.Operations
	files      *genai.Files
}

func (c genaiClient) GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error) {
	return c.models.GenerateVideos(ctx, model, prompt, image, config)
}

func (c genaiClient) GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation, config *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error) {
	return c.operations.GetVideosOperation(ctx, op, config)
}

func (c genaiClient) Download(ctx context.Context, uri string) ([]byte, error) {
	return c.files.Download(ctx, genai.NewDownloadURIFromVideo(&genai.Video{URI: uri}), nil)
}

func newGenAIClient(ctx context.Context, apiKey, baseURL string) (videoAPI, error) {
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Transport: statusTransport{base: http.DefaultTransport}},
	}
	if baseURL != "" {
		cfg.HTTPOptions.BaseURL = baseURL
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return genaiClient{models: c.Models, operations: c.Operations, files: c.Files}, nil
}

// GenAIConfig configures a GenAIProvider.
type GenAIConfig struct {
	Model      string
	Resolution string
	// DownloadTimeout bounds each artifact download; zero means
	// DefaultDownloadTimeout.
	DownloadTimeout time.Duration
	// BaseURL overrides the Gemini API endpoint.
	BaseURL string
}

// GenAIProvider submits, refreshes and downloads video operations through
// the Gemini API. It is both the Provider and the Fetcher of a Client. A genai
// client is built per API key, so a key selected at runtime takes effect on
// the next call.
type GenAIProvider struct {
	creds           Credentials
	model           string
	resolution      string
	downloadTimeout time.Duration
	logger          *slog.Logger
	dial            func(ctx context.Context, apiKey string) (videoAPI, error)

	mu        sync.Mutex
	clientKey string
	client    videoAPI
}

// NewGenAIProvider returns a provider that authenticates with creds.
func NewGenAIProvider(creds Credentials, cfg GenAIConfig, logger *slog.Logger) *GenAIProvider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Resolution == "" {
		cfg.Resolution = DefaultResolution
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	baseURL := cfg.BaseURL
	return &GenAIProvider{
		creds:           creds,
		model:           cfg.Model,
		resolution:      cfg.Resolution,
		downloadTimeout: cfg.DownloadTimeout,
		logger:          logger,
		dial: func(ctx context.Context, apiKey string) (videoAPI, error) {
			return newGenAIClient(ctx, apiKey, baseURL)
		},
	}
}

// Model returns the model name requests are sent to.
func (p *GenAIProvider) Model() string {
	return p.model
}

func (p *GenAIProvider) Submit(ctx context.Context, req Request) (Operation, error) {
	api, err := p.api(ctx)
	if err != nil {
		return Operation{}, err
	}

	gop, err := api.GenerateVideos(ctx, p.model, req.Prompt,
		&genai.Image{ImageBytes: req.Image.Bytes, MIMEType: req.Image.MIMEType},
		&genai.GenerateVideosConfig{
			NumberOfVideos: 1,
			AspectRatio:    string(req.AspectRatio),
			Resolution:     p.resolution,
		},
	)
	if err != nil {
		return Operation{}, classify(err)
	}
	if gop == nil {
		return Operation{}, errors.New("generate videos returned no operation")
	}
	return snapshot(gop), nil
}

func (p *GenAIProvider) Refresh(ctx context.Context, op Operation) (Operation, error) {
	api, err := p.api(ctx)
	if err != nil {
		return op, err
	}

	gop, err := api.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: op.Name}, nil)
	if err != nil {
		return op, classify(err)
	}
	if gop == nil {
		return op, errors.New("get videos operation returned nothing")
	}
	return snapshot(gop), nil
}

// Fetch downloads the video at uri through the Files API. The key travels in
// a request header, never in the URL.
func (p *GenAIProvider) Fetch(ctx context.Context, uri string) (Artifact, error) {
	api, err := p.api(ctx)
	if err != nil {
		return Artifact{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.downloadTimeout)
	defer cancel()

	data, err := api.Download(ctx, uri)
	if err != nil {
		return Artifact{}, classifyDownload(err)
	}
	if len(data) == 0 {
		return Artifact{}, errors.New("video body is empty")
	}
	mime, err := artifactMIME(data)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Data: data, MIMEType: mime}, nil
}

func (p *GenAIProvider) api(ctx context.Context) (videoAPI, error) {
	key, err := p.creds.APIKey(ctx)
	if err != nil {
		return nil, WithReason(ReasonNoCredential, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.clientKey == key {
		return p.client, nil
	}
	c, err := p.dial(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	p.client, p.clientKey = c, key
	p.logger.Debug("genai client created", "model", p.model)
	return c, nil
}

// snapshot converts a vendor operation into an Operation value.
func snapshot(gop *genai.GenerateVideosOperation) Operation {
	op := Operation{Name: gop.Name, Done: gop.Done}
	if gop.Error != nil {
		op.Failure = operationErrorMessage(gop.Error)
	}
	if r := gop.Response; r != nil {
		op.FilteredReasons = append([]string(nil), r.RAIMediaFilteredReasons...)
		for _, v := range r.GeneratedVideos {
			if v != nil && v.Video != nil && v.Video.URI != "" {
				op.VideoURI = v.Video.URI
				break
			}
		}
	}
	return op
}

func operationErrorMessage(e map[string]any) string {
	if msg, ok := e["message"].(string); ok && msg != "" {
		return msg
	}
	return fmt.Sprintf("operation failed: %v", e)
}

// classify tags vendor API errors with a Reason using the structured status.
func classify(err error) error {
	code, status, ok := apiStatus(err)
	if !ok {
		return err
	}
	switch {
	case code == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
		return WithReason(ReasonQuota, err)
	case code == http.StatusNotFound || status == "NOT_FOUND",
		code == http.StatusUnauthorized || status == "UNAUTHENTICATED",
		code == http.StatusForbidden || status == "PERMISSION_DENIED":
		return WithReason(ReasonInvalidCredential, err)
	case code == http.StatusBadRequest || status == "INVALID_ARGUMENT":
		return WithReason(ReasonInvalidRequest, err)
	}
	return err
}

// classifyDownload is classify except that a missing file is not a
// credential problem.
func classifyDownload(err error) error {
	if code, _, ok := apiStatus(err); ok && code == http.StatusNotFound {
		return err
	}
	return classify(err)
}

func apiStatus(err error) (int, string, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Status, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, apiErrPtr.Status, true
	}
	return 0, "", false
}
