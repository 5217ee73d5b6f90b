package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByErrorKind   map[string]int `json:"by_error_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	AvgPollCount  float64        `json:"avg_poll_count"`
	// QueueDepth is omitted when no work queue is configured.
	QueueDepth *int64 `json:"queue_depth,omitempty"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetGenerationStats(r.Context())
	if err != nil {
		s.logger.Error("get generation stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByErrorKind:   stats.CountByErrorKind,
		AvgDurationMS: stats.AvgDurationMS,
		AvgPollCount:  stats.AvgPollCount,
	}

	if s.queue != nil {
		depth, err := s.queue.Len(r.Context())
		if err != nil {
			s.logger.Error("get queue depth", "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "failed to read queue depth")
			return
		}
		resp.QueueDepth = &depth
	}

	s.writeJSON(w, http.StatusOK, resp)
}
