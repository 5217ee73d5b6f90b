package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	// KeySelected is false while the server waits for PUT /v1/credentials.
	KeySelected bool `json:"key_selected"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		KeySelected: s.creds == nil || s.creds.HasSelected(),
	})
}
