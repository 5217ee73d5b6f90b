package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/reel/internal/engine"
	"github.com/seantiz/reel/internal/model"
	"github.com/seantiz/reel/internal/store"
	"github.com/seantiz/reel/internal/veo"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxImageSize     = 10 << 20 // 10 MB
	maxFormOverhead  = 1 << 20
)

// generationResponse adds the user-facing failure message to a generation.
type generationResponse struct {
	*model.Generation
	Message string `json:"message,omitempty"`
}

func newGenerationResponse(g *model.Generation) generationResponse {
	resp := generationResponse{Generation: g}
	if g.Status == model.StatusFailed {
		resp.Message = userMessage(g)
	}
	return resp
}

// listGenerationsResponse wraps the paginated list response.
type listGenerationsResponse struct {
	Generations []generationResponse `json:"generations"`
	Total       int                  `json:"total"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

// sessionID returns the caller's session, falling back to the default one.
func sessionID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(sessionHeader)); v != "" {
		return v
	}
	return model.DefaultSession
}

func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	if s.creds != nil && !s.creds.HasSelected() {
		s.rejectGeneration(w, rejectNoCredential, http.StatusUnauthorized, msgNoCredential)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImageSize+maxFormOverhead)
	if err := r.ParseMultipartForm(maxImageSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.rejectGeneration(w, rejectTooLarge, http.StatusRequestEntityTooLarge, "image exceeds 10 MB")
			return
		}
		s.rejectGeneration(w, rejectInvalid, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		s.rejectGeneration(w, rejectInvalid, http.StatusBadRequest, "prompt is required")
		return
	}

	aspect, err := veo.ParseAspectRatio(r.FormValue("aspect_ratio"))
	if err != nil {
		s.rejectGeneration(w, rejectInvalid, http.StatusBadRequest, err.Error())
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		s.rejectGeneration(w, rejectInvalid, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.rejectGeneration(w, rejectInvalid, http.StatusBadRequest, "failed to read image")
		return
	}
	img, err := veo.NewImage(data)
	if errors.Is(err, veo.ErrUnsupportedImage) {
		s.rejectGeneration(w, rejectUnsupported, http.StatusUnsupportedMediaType, "image must be JPEG, PNG, GIF or WebP")
		return
	}
	if err != nil {
		s.rejectGeneration(w, rejectInvalid, http.StatusBadRequest, err.Error())
		return
	}

	g := &model.Generation{
		ID:          model.NewID(),
		SessionID:   sessionID(r),
		Status:      model.StatusPending,
		Prompt:      prompt,
		Transcript:  strings.TrimSpace(r.FormValue("transcript")),
		AspectRatio: string(aspect),
		ImageMIME:   img.MIMEType,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.engine.Submit(r.Context(), g, img.Bytes); err != nil {
		if errors.Is(err, engine.ErrGenerationInFlight) {
			s.rejectGeneration(w, rejectInFlight, http.StatusConflict, "a generation is already in progress for this session")
			return
		}
		s.logger.Error("submit generation", "error", err)
		s.rejectGeneration(w, rejectUnavailable, http.StatusServiceUnavailable, "failed to submit generation")
		return
	}

	w.Header().Set("Location", "/v1/generations/"+g.ID)
	s.writeJSON(w, http.StatusAccepted, newGenerationResponse(g))
}

// lookupGeneration loads the generation named by the {id} route parameter
// and writes the error response itself when it cannot.
func (s *Server) lookupGeneration(w http.ResponseWriter, r *http.Request) (*model.Generation, bool) {
	id := chi.URLParam(r, "id")

	g, err := s.store.GetGeneration(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "generation not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get generation", "generation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get generation")
		return nil, false
	}
	return g, true
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookupGeneration(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newGenerationResponse(g))
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	generations, total, err := s.store.ListGenerations(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list generations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list generations")
		return
	}

	items := make([]generationResponse, len(generations))
	for i, g := range generations {
		items[i] = newGenerationResponse(g)
	}

	s.writeJSON(w, http.StatusOK, listGenerationsResponse{
		Generations: items,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookupGeneration(w, r)
	if !ok {
		return
	}

	switch g.Status {
	case model.StatusFetched:
	case model.StatusFailed:
		s.writeError(w, failureStatus(g), userMessage(g))
		return
	case model.StatusReleased:
		s.writeError(w, http.StatusGone, "video has been released")
		return
	default:
		s.writeError(w, http.StatusNotFound, "video not ready")
		return
	}

	data, mime, err := s.store.GetArtifact(r.Context(), g.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Released between the status read and now.
		s.writeError(w, http.StatusGone, "video has been released")
		return
	}
	if err != nil {
		s.logger.Error("get artifact", "generation_id", g.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get video")
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", `inline; filename="`+g.ID+`.mp4"`)
	w.WriteHeader(http.StatusOK)
	n, err := w.Write(data)
	videoBytesServed.Add(float64(n))
	if err != nil {
		s.logger.Debug("write video", "generation_id", g.ID, "error", err)
	}
}

func (s *Server) handleReleaseGeneration(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookupGeneration(w, r)
	if !ok {
		return
	}

	if err := s.store.ReleaseArtifact(r.Context(), g.ID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			s.writeError(w, http.StatusConflict, "only a fetched video can be released")
			return
		}
		s.logger.Error("release artifact", "generation_id", g.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to release video")
		return
	}

	g, err := s.store.GetGeneration(r.Context(), g.ID)
	if err != nil {
		s.logger.Error("get released generation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve generation")
		return
	}

	s.writeJSON(w, http.StatusOK, newGenerationResponse(g))
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
