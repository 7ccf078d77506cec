package api

import v1 "github.com/promptvault/promptvault/pkg/api/v1"

// SavePromptRequest is the payload for creating or updating a prompt record.
// A missing id means "create"; the assigned id comes back in the response.
type SavePromptRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name" binding:"required"`
	Template    string `json:"template"`
	Description string `json:"description"`
}

// SaveContextRequest is the payload for creating or updating a context record.
type SaveContextRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name" binding:"required"`
	Text        string `json:"text"`
	Description string `json:"description"`
}

// RecordsListResponse wraps a record listing.
type RecordsListResponse struct {
	Records []*v1.Record `json:"records"`
	Total   int          `json:"total"`
}

// StatusResponse reports the outcome of side-effect-only endpoints.
type StatusResponse struct {
	Status string `json:"status"`
}
