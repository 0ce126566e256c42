package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ArchiveStatus represents the lifecycle status of an archived conversation
type ArchiveStatus string

const (
	ArchiveStatusOpen   ArchiveStatus = "open"
	ArchiveStatusClosed ArchiveStatus = "closed"
)

// ConversationArchive is the stored transcript of one relayed voice session
type ConversationArchive struct {
	ID        string                `json:"id" bson:"_id"`
	Identity  string                `json:"identity" bson:"identity"`
	Tenant    string                `json:"tenant" bson:"tenant"`
	Feature   string                `json:"feature" bson:"feature"`
	StartedAt time.Time             `json:"started_at" bson:"started_at"`
	EndedAt   *time.Time            `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	Status    ArchiveStatus         `json:"status" bson:"status"`
	Messages  []ConversationMessage `json:"messages" bson:"messages"`
}

// NewConversationArchive creates an open archive for a session
func NewConversationArchive(identity, tenant, feature string) *ConversationArchive {
	return &ConversationArchive{
		ID:        uuid.New().String(),
		Identity:  identity,
		Tenant:    tenant,
		Feature:   feature,
		StartedAt: time.Now(),
		Status:    ArchiveStatusOpen,
		Messages:  make([]ConversationMessage, 0),
	}
}

// AddMessage appends a message to the archive
func (a *ConversationArchive) AddMessage(message ConversationMessage) {
	a.Messages = append(a.Messages, message)
}

// Close marks the archive as finished
func (a *ConversationArchive) Close() {
	now := time.Now()
	a.EndedAt = &now
	a.Status = ArchiveStatusClosed
}

// IsOlderThan reports whether the archive ended before the given instant.
// Open archives are never considered old.
func (a *ConversationArchive) IsOlderThan(t time.Time) bool {
	if a.EndedAt == nil {
		return false
	}
	return a.EndedAt.Before(t)
}

// Validate validates the archive data
func (a *ConversationArchive) Validate() error {
	if a.Identity == "" {
		return errors.New("identity is required")
	}

	if a.Status != ArchiveStatusOpen && a.Status != ArchiveStatusClosed {
		return errors.New("invalid archive status")
	}

	return nil
}
