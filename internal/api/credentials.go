package api

import (
	"encoding/json"
	"net/http"
)

const maxCredentialBody = 4 << 10

type credentialsResponse struct {
	Selectable bool `json:"selectable"`
	Selected   bool `json:"selected"`
}

type selectCredentialsRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil {
		// Key fixed by configuration.
		s.writeJSON(w, http.StatusOK, credentialsResponse{Selectable: false, Selected: true})
		return
	}
	s.writeJSON(w, http.StatusOK, credentialsResponse{Selectable: true, Selected: s.creds.HasSelected()})
}

func (s *Server) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil {
		s.writeError(w, http.StatusConflict, "API key is fixed by server configuration")
		return
	}

	var req selectCredentialsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxCredentialBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.creds.Select(req.APIKey); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("API key selected", "session", sessionID(r))

	s.writeJSON(w, http.StatusOK, credentialsResponse{Selectable: true, Selected: true})
}
