package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/reel/internal/model"

	_ "modernc.org/sqlite"
)

const createGenerationsTable = `
CREATE TABLE IF NOT EXISTS generations (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    status         TEXT NOT NULL,
    prompt         TEXT NOT NULL,
    transcript     TEXT NOT NULL DEFAULT '',
    aspect_ratio   TEXT NOT NULL,
    image_mime     TEXT NOT NULL,
    image_size     INTEGER NOT NULL DEFAULT 0,
    image          BLOB,
    model          TEXT NOT NULL DEFAULT '',
    operation_name TEXT NOT NULL DEFAULT '',
    video_uri      TEXT NOT NULL DEFAULT '',
    poll_count     INTEGER NOT NULL DEFAULT 0,
    error_kind     TEXT NOT NULL DEFAULT '',
    error_reason   TEXT NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT '',
    artifact       BLOB,
    artifact_mime  TEXT NOT NULL DEFAULT '',
    artifact_size  INTEGER,
    duration_ms    INTEGER,
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    finished_at    DATETIME,
    updated_at     DATETIME NOT NULL
)`

const createGenerationsSessionIndex = `
CREATE INDEX IF NOT EXISTS idx_generations_session_status
    ON generations (session_id, status)`

const createGenerationsUpdatedIndex = `
CREATE INDEX IF NOT EXISTS idx_generations_status_updated
    ON generations (status, updated_at)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS generation_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    generation_id TEXT NOT NULL REFERENCES generations(id),
    seq           INTEGER NOT NULL,
    kind          TEXT NOT NULL,
    message       TEXT NOT NULL,
    created_at    DATETIME NOT NULL,
    UNIQUE (generation_id, seq)
)`

// generationColumns lists every column scanned into a model.Generation.
// Image and artifact blobs are read separately.
const generationColumns = `id, session_id, status, prompt, transcript, aspect_ratio,
	image_mime, image_size, model, operation_name, video_uri, poll_count,
	error_kind, error_reason, error, artifact_mime, artifact_size, duration_ms,
	created_at, started_at, finished_at, updated_at`

// ErrNotFound is returned when a generation is not found.
var ErrNotFound = errors.New("generation not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []struct{ name, sql string }{
		{"generations table", createGenerationsTable},
		{"generations session index", createGenerationsSessionIndex},
		{"generations updated index", createGenerationsUpdatedIndex},
		{"events table", createEventsTable},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (*model.Generation, error) {
	g := &model.Generation{}
	err := row.Scan(
		&g.ID, &g.SessionID, &g.Status, &g.Prompt, &g.Transcript, &g.AspectRatio,
		&g.ImageMIME, &g.ImageSize, &g.Model, &g.OperationName, &g.VideoURI, &g.PollCount,
		&g.ErrorKind, &g.ErrorReason, &g.Error, &g.ArtifactMIME, &g.ArtifactSize, &g.DurationMS,
		&g.CreatedAt, &g.StartedAt, &g.FinishedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// CreateGeneration inserts a new generation record together with its source image.
func (s *SQLiteStore) CreateGeneration(ctx context.Context, g *model.Generation, image []byte) error {
	if g.SessionID == "" {
		g.SessionID = model.DefaultSession
	}
	g.ImageSize = len(image)
	g.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (
			id, session_id, status, prompt, transcript, aspect_ratio,
			image_mime, image_size, image, model, operation_name, video_uri,
			poll_count, error_kind, error_reason, error, duration_ms,
			created_at, started_at, finished_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.SessionID, g.Status, g.Prompt, g.Transcript, g.AspectRatio,
		g.ImageMIME, g.ImageSize, image, g.Model, g.OperationName, g.VideoURI,
		g.PollCount, g.ErrorKind, g.ErrorReason, g.Error, g.DurationMS,
		g.CreatedAt, g.StartedAt, g.FinishedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// GetGeneration retrieves a generation by ID.
func (s *SQLiteStore) GetGeneration(ctx context.Context, id string) (*model.Generation, error) {
	g, err := scanGeneration(s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return g, nil
}

// ListGenerations returns a paginated list of generations ordered by created_at DESC,
// along with the total count of all generations.
func (s *SQLiteStore) ListGenerations(ctx context.Context, limit, offset int) ([]*model.Generation, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM generations").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count generations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+generationColumns+` FROM generations
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var generations []*model.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan generation: %w", err)
		}
		generations = append(generations, g)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate generations: %w", err)
	}

	return generations, total, nil
}

// currentStatus reads the status of id inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM generations WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return status, nil
}

func checkTransition(from, to string) error {
	if from == to || model.ValidTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// UpdateGeneration writes every mutable field of g. A status change is
// validated against the current stored status.
func (s *SQLiteStore) UpdateGeneration(ctx context.Context, g *model.Generation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, g.ID)
	if err != nil {
		return err
	}
	if err := checkTransition(from, g.Status); err != nil {
		return err
	}

	g.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE generations SET
			status = ?, model = ?, operation_name = ?, video_uri = ?, poll_count = ?,
			error_kind = ?, error_reason = ?, error = ?, duration_ms = ?,
			started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		g.Status, g.Model, g.OperationName, g.VideoURI, g.PollCount,
		g.ErrorKind, g.ErrorReason, g.Error, g.DurationMS,
		g.StartedAt, g.FinishedAt, g.UpdatedAt,
		g.ID,
	)
	if err != nil {
		return fmt.Errorf("update generation: %w", err)
	}

	return tx.Commit()
}

// GetRequestImage returns the source image stored with a generation.
func (s *SQLiteStore) GetRequestImage(ctx context.Context, id string) ([]byte, error) {
	var image []byte
	err := s.db.QueryRowContext(ctx, "SELECT image FROM generations WHERE id = ?", id).Scan(&image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request image: %w", err)
	}
	return image, nil
}

// SaveArtifact stores the downloaded video and marks the generation fetched.
func (s *SQLiteStore) SaveArtifact(ctx context.Context, id string, data []byte, mime string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(from, model.StatusFetched); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE generations SET status = ?, artifact = ?, artifact_mime = ?,
			artifact_size = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		model.StatusFetched, data, mime, len(data), now, now, id,
	)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}

	return tx.Commit()
}

// GetArtifact returns the stored video and its MIME type. Generations without
// a stored video report ErrNotFound.
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) ([]byte, string, error) {
	var (
		data []byte
		mime string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT artifact, artifact_mime FROM generations WHERE id = ? AND status = ?",
		id, model.StatusFetched,
	).Scan(&data, &mime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get artifact: %w", err)
	}
	if len(data) == 0 {
		return nil, "", ErrNotFound
	}
	return data, mime, nil
}

// ReleaseArtifact drops the stored video and marks the generation released.
func (s *SQLiteStore) ReleaseArtifact(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if from == model.StatusReleased {
		return nil
	}
	if err := checkTransition(from, model.StatusReleased); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE generations SET status = ?, artifact = NULL, updated_at = ? WHERE id = ?",
		model.StatusReleased, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("release artifact: %w", err)
	}

	return tx.Commit()
}

// ActiveGeneration returns the oldest in-flight generation of a session.
func (s *SQLiteStore) ActiveGeneration(ctx context.Context, sessionID string) (*model.Generation, error) {
	g, err := scanGeneration(s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations
		WHERE session_id = ? AND status IN (?, ?, ?, ?)
		ORDER BY created_at ASC LIMIT 1`,
		sessionID, model.StatusPending, model.StatusSubmitted, model.StatusPolling, model.StatusComplete,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active generation: %w", err)
	}
	return g, nil
}

// StaleGenerations lists in-flight generations of every session that have not
// been written since before, oldest first.
func (s *SQLiteStore) StaleGenerations(ctx context.Context, before time.Time) ([]*model.Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+generationColumns+` FROM generations
		WHERE status IN (?, ?, ?, ?) AND updated_at < ?
		ORDER BY created_at ASC`,
		model.StatusPending, model.StatusSubmitted, model.StatusPolling, model.StatusComplete,
		before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale generations: %w", err)
	}
	defer rows.Close()

	var generations []*model.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		generations = append(generations, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return generations, nil
}

// FetchedGenerations lists a session's generations that still hold a video,
// newest first.
func (s *SQLiteStore) FetchedGenerations(ctx context.Context, sessionID string) ([]*model.Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+generationColumns+` FROM generations
		WHERE session_id = ? AND status = ?
		ORDER BY created_at DESC`,
		sessionID, model.StatusFetched,
	)
	if err != nil {
		return nil, fmt.Errorf("list fetched generations: %w", err)
	}
	defer rows.Close()

	var generations []*model.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		generations = append(generations, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return generations, nil
}

// GetGenerationStats returns aggregate counts and averages across all generations.
func (s *SQLiteStore) GetGenerationStats(ctx context.Context) (*GenerationStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &GenerationStats{
		CountByStatus:    make(map[string]int),
		CountByErrorKind: make(map[string]int),
	}

	if err := countBy(ctx, tx, "status", "", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "error_kind", "WHERE error_kind != ''", stats.CountByErrorKind); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avgDuration, avgPolls sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM generations WHERE duration_ms IS NOT NULL",
	).Scan(&avgDuration)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	err = tx.QueryRowContext(ctx,
		"SELECT AVG(poll_count) FROM generations WHERE status IN (?, ?)",
		model.StatusFetched, model.StatusReleased,
	).Scan(&avgPolls)
	if err != nil {
		return nil, fmt.Errorf("average poll count: %w", err)
	}
	stats.AvgDurationMS = avgDuration.Float64
	stats.AvgPollCount = avgPolls.Float64

	return stats, nil
}

// countBy fills dst with row counts grouped by column.
func countBy(ctx context.Context, tx *sql.Tx, column, where string, dst map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM generations "+where+" GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		dst[key] = n
	}
	return rows.Err()
}

// InsertEvent appends a progress event and sets ev.ID.
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_events (generation_id, seq, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.GenerationID, ev.Seq, ev.Kind, ev.Message, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	ev.ID = id
	return nil
}

// GetEvents returns the events of a generation with seq > afterSeq, in order.
// Pass -1 for the full history.
func (s *SQLiteStore) GetEvents(ctx context.Context, generationID string, afterSeq int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, generation_id, seq, kind, message, created_at
		FROM generation_events WHERE generation_id = ? AND seq > ?
		ORDER BY seq ASC`,
		generationID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.GenerationID, &ev.Seq, &ev.Kind, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
