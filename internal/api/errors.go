package api

import (
	"net/http"

	"github.com/seantiz/reel/internal/model"
	"github.com/seantiz/reel/internal/veo"
)

const (
	msgQuota             = "You have exceeded your API quota. Please check your plan and billing details, or try again later."
	msgInvalidCredential = "Your API key is invalid or not found. Please select a valid key."
	msgNoCredential      = "No API key selected. Please select a valid key."
	msgFiltered          = "The video was blocked by the safety filter. Try a different prompt or image."
	msgGeneric           = "An unknown error occurred during video generation."
)

// userMessage returns the text shown to a person for a failed generation.
func userMessage(g *model.Generation) string {
	switch veo.Reason(g.ErrorReason) {
	case veo.ReasonQuota:
		return msgQuota
	case veo.ReasonInvalidCredential:
		return msgInvalidCredential
	case veo.ReasonNoCredential:
		return msgNoCredential
	case veo.ReasonFiltered:
		return msgFiltered
	}
	if g.Error != "" {
		return g.Error
	}
	return msgGeneric
}

// failureStatus maps a failed generation to the HTTP status used when a
// client asks for its video.
func failureStatus(g *model.Generation) int {
	switch veo.Reason(g.ErrorReason) {
	case veo.ReasonQuota:
		return http.StatusTooManyRequests
	case veo.ReasonInvalidCredential, veo.ReasonNoCredential:
		return http.StatusUnauthorized
	case veo.ReasonInvalidRequest, veo.ReasonFiltered:
		return http.StatusUnprocessableEntity
	}
	switch g.ErrorKind {
	case veo.KindTimeout.String():
		return http.StatusGatewayTimeout
	case veo.KindNoResult.String():
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
