package adapters

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/crmvoice/domain/entities"
	"github.com/satriahrh/crmvoice/domain/repositories"
)

// MemoryArchiveRepository is an in-memory implementation of ConversationArchiveRepository
type MemoryArchiveRepository struct {
	mu         sync.RWMutex
	archives   map[string]*entities.ConversationArchive // id -> archive
	identities map[string][]string                      // identity -> archive ids
}

// NewMemoryArchiveRepository creates a new in-memory archive repository
func NewMemoryArchiveRepository() *MemoryArchiveRepository {
	return &MemoryArchiveRepository{
		archives:   make(map[string]*entities.ConversationArchive),
		identities: make(map[string][]string),
	}
}

// Save implements ConversationArchiveRepository. Saving an existing ID replaces it.
func (m *MemoryArchiveRepository) Save(ctx context.Context, archive *entities.ConversationArchive) error {
	if archive == nil {
		return errors.New("archive cannot be nil")
	}
	if err := archive.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if archive.ID == "" {
		archive.ID = uuid.New().String()
	}

	if _, exists := m.archives[archive.ID]; !exists {
		m.identities[archive.Identity] = append(m.identities[archive.Identity], archive.ID)
	}
	m.archives[archive.ID] = copyArchive(archive)
	return nil
}

// GetByID implements ConversationArchiveRepository
func (m *MemoryArchiveRepository) GetByID(ctx context.Context, id string) (*entities.ConversationArchive, error) {
	if id == "" {
		return nil, errors.New("archive ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	archive, exists := m.archives[id]
	if !exists {
		return nil, repositories.ErrArchiveNotFound
	}
	return copyArchive(archive), nil
}

// ListByIdentity implements ConversationArchiveRepository, newest first
func (m *MemoryArchiveRepository) ListByIdentity(ctx context.Context, identity string, limit int) ([]*entities.ConversationArchive, error) {
	if identity == "" {
		return nil, errors.New("identity cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.identities[identity]
	result := make([]*entities.ConversationArchive, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyArchive(m.archives[id]))
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteEndedBefore implements ConversationArchiveRepository
func (m *MemoryArchiveRepository) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, archive := range m.archives {
		if !archive.IsOlderThan(cutoff) {
			continue
		}
		delete(m.archives, id)
		m.identities[archive.Identity] = removeID(m.identities[archive.Identity], id)
		if len(m.identities[archive.Identity]) == 0 {
			delete(m.identities, archive.Identity)
		}
		deleted++
	}
	return deleted, nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// copyArchive prevents callers from mutating stored state
func copyArchive(a *entities.ConversationArchive) *entities.ConversationArchive {
	c := *a
	c.Messages = append([]entities.ConversationMessage(nil), a.Messages...)
	if a.EndedAt != nil {
		ended := *a.EndedAt
		c.EndedAt = &ended
	}
	return &c
}
