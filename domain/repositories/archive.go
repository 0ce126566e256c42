package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/satriahrh/crmvoice/domain/entities"
)

// ErrArchiveNotFound is returned when no archive matches the lookup
var ErrArchiveNotFound = errors.New("archive not found")

// ConversationArchiveRepository defines data access methods for archived conversations
type ConversationArchiveRepository interface {
	Save(ctx context.Context, archive *entities.ConversationArchive) error
	GetByID(ctx context.Context, id string) (*entities.ConversationArchive, error)
	ListByIdentity(ctx context.Context, identity string, limit int) ([]*entities.ConversationArchive, error)
	// DeleteEndedBefore removes closed archives that ended before cutoff and
	// returns how many were removed.
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
