package api

import "github.com/satriahrh/crmvoice/domain/entities"

// TokenRequest represents the request payload for client authentication
type TokenRequest struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
}

// RefreshRequest represents the request payload for a token refresh
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// ConversationsResponse lists the archived conversations of an identity
type ConversationsResponse struct {
	Identity      string                          `json:"identity"`
	Conversations []*entities.ConversationArchive `json:"conversations"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
