package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/reel/internal/model"
)

// ErrInvalidTransition is returned when a generation status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// GenerationStats holds aggregate generation statistics.
type GenerationStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByErrorKind map[string]int `json:"count_by_error_kind"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	AvgPollCount     float64        `json:"avg_poll_count"`
}

// Store defines the persistence operations for generations.
type Store interface {
	CreateGeneration(ctx context.Context, g *model.Generation, image []byte) error
	GetGeneration(ctx context.Context, id string) (*model.Generation, error)
	ListGenerations(ctx context.Context, limit, offset int) ([]*model.Generation, int, error)
	UpdateGeneration(ctx context.Context, g *model.Generation) error
	GetRequestImage(ctx context.Context, id string) ([]byte, error)

	// SaveArtifact stores the downloaded video and moves the generation
	// from complete to fetched.
	SaveArtifact(ctx context.Context, id string, data []byte, mime string) error
	GetArtifact(ctx context.Context, id string) ([]byte, string, error)
	// ReleaseArtifact drops the stored video and marks the generation released.
	ReleaseArtifact(ctx context.Context, id string) error

	// ActiveGeneration returns the in-flight generation of a session, or
	// ErrNotFound.
	ActiveGeneration(ctx context.Context, sessionID string) (*model.Generation, error)
	// FetchedGenerations lists the generations of a session still holding
	// an artifact.
	FetchedGenerations(ctx context.Context, sessionID string) ([]*model.Generation, error)
	// StaleGenerations lists in-flight generations last written before the
	// given time.
	StaleGenerations(ctx context.Context, before time.Time) ([]*model.Generation, error)

	GetGenerationStats(ctx context.Context) (*GenerationStats, error)
	InsertEvent(ctx context.Context, ev *model.Event) error
	GetEvents(ctx context.Context, generationID string, afterSeq int) ([]model.Event, error)
	Close() error
}
