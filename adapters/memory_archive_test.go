package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/satriahrh/crmvoice/domain/entities"
	"github.com/satriahrh/crmvoice/domain/repositories"
)

func newClosedArchive(identity string, started, ended time.Time) *entities.ConversationArchive {
	a := entities.NewConversationArchive(identity, "default", "shopping")
	a.StartedAt = started
	a.AddMessage(entities.NewConversationMessage(entities.MessageRoleUser, "two apples"))
	a.Close()
	a.EndedAt = &ended
	return a
}

func TestMemoryArchiveRepository_SaveAndGet(t *testing.T) {
	repo := NewMemoryArchiveRepository()
	ctx := context.Background()
	now := time.Now()

	archive := newClosedArchive("user-1", now.Add(-time.Minute), now)
	if err := repo.Save(ctx, archive); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.GetByID(ctx, archive.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Identity != "user-1" || len(got.Messages) != 1 {
		t.Errorf("unexpected archive: %+v", got)
	}

	// stored copy is isolated from the caller
	got.Messages[0].Text = "changed"
	again, _ := repo.GetByID(ctx, archive.ID)
	if again.Messages[0].Text != "two apples" {
		t.Error("stored archive was mutated through a returned copy")
	}

	if _, err := repo.GetByID(ctx, "missing"); err != repositories.ErrArchiveNotFound {
		t.Errorf("expected ErrArchiveNotFound, got %v", err)
	}
}

func TestMemoryArchiveRepository_SaveValidates(t *testing.T) {
	repo := NewMemoryArchiveRepository()
	if err := repo.Save(context.Background(), nil); err == nil {
		t.Error("expected error for nil archive")
	}
	if err := repo.Save(context.Background(), &entities.ConversationArchive{Status: entities.ArchiveStatusOpen}); err == nil {
		t.Error("expected error for archive without identity")
	}
}

func TestMemoryArchiveRepository_ListByIdentity(t *testing.T) {
	repo := NewMemoryArchiveRepository()
	ctx := context.Background()
	now := time.Now()

	older := newClosedArchive("user-1", now.Add(-2*time.Hour), now.Add(-time.Hour))
	newer := newClosedArchive("user-1", now.Add(-time.Minute), now)
	other := newClosedArchive("user-2", now, now)
	for _, a := range []*entities.ConversationArchive{older, newer, other} {
		if err := repo.Save(ctx, a); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	// saving again replaces without duplicating
	if err := repo.Save(ctx, newer); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	list, err := repo.ListByIdentity(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListByIdentity failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 archives, got %d", len(list))
	}
	if list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Error("archives not ordered newest first")
	}

	limited, _ := repo.ListByIdentity(ctx, "user-1", 1)
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestMemoryArchiveRepository_DeleteEndedBefore(t *testing.T) {
	repo := NewMemoryArchiveRepository()
	ctx := context.Background()
	now := time.Now()

	expired := newClosedArchive("user-1", now.Add(-48*time.Hour), now.Add(-47*time.Hour))
	recent := newClosedArchive("user-1", now.Add(-time.Hour), now)
	open := entities.NewConversationArchive("user-1", "default", "shopping")
	open.StartedAt = now.Add(-72 * time.Hour)
	for _, a := range []*entities.ConversationArchive{expired, recent, open} {
		if err := repo.Save(ctx, a); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	deleted, err := repo.DeleteEndedBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteEndedBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	list, _ := repo.ListByIdentity(ctx, "user-1", 0)
	if len(list) != 2 {
		t.Errorf("expected 2 remaining archives, got %d", len(list))
	}
}
