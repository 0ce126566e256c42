package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/entities"
	"github.com/satriahrh/crmvoice/domain/repositories"
)

const archiveCollection = "conversation_archives"

// ArchiveRepository implements ConversationArchiveRepository using MongoDB
type ArchiveRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewArchiveRepository creates a new MongoDB archive repository
func NewArchiveRepository(db *mongo.Database, logger *zap.Logger) *ArchiveRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveRepository{
		collection: db.Collection(archiveCollection),
		logger:     logger.With(zap.String("component", "archive_repository")),
	}
}

// EnsureIndexes creates the lookup and retention indexes
func (r *ArchiveRepository) EnsureIndexes(ctx context.Context) error {
	identityIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "identity", Value: 1},
			{Key: "started_at", Value: -1},
		},
	}

	// Index on status and ended_at for retention sweeps
	retentionIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "ended_at", Value: 1},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{identityIndex, retentionIndex})
	if err != nil {
		r.logger.Error("Failed to create archive indexes", zap.Error(err))
		return fmt.Errorf("failed to create archive indexes: %w", err)
	}
	r.logger.Info("Archive indexes created successfully")
	return nil
}

// Save upserts an archive by ID
func (r *ArchiveRepository) Save(ctx context.Context, archive *entities.ConversationArchive) error {
	if archive == nil {
		return errors.New("archive cannot be nil")
	}
	if err := archive.Validate(); err != nil {
		return err
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, bson.M{"_id": archive.ID}, archive, opts); err != nil {
		r.logger.Error("Failed to save archive", zap.Error(err), zap.String("archive_id", archive.ID))
		return fmt.Errorf("failed to save archive: %w", err)
	}
	return nil
}

// GetByID retrieves an archive by its ID
func (r *ArchiveRepository) GetByID(ctx context.Context, id string) (*entities.ConversationArchive, error) {
	var archive entities.ConversationArchive
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&archive)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to get archive %s: %w", id, err)
	}
	return &archive, nil
}

// ListByIdentity returns the archives of identity, newest first
func (r *ArchiveRepository) ListByIdentity(ctx context.Context, identity string, limit int) ([]*entities.ConversationArchive, error) {
	if identity == "" {
		return nil, errors.New("identity cannot be empty")
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{"identity": identity}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives for %s: %w", identity, err)
	}
	defer cursor.Close(ctx)

	archives := make([]*entities.ConversationArchive, 0)
	if err := cursor.All(ctx, &archives); err != nil {
		return nil, fmt.Errorf("failed to decode archives: %w", err)
	}
	return archives, nil
}

// DeleteEndedBefore removes closed archives that ended before cutoff
func (r *ArchiveRepository) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"status":   entities.ArchiveStatusClosed,
		"ended_at": bson.M{"$lt": cutoff},
	}

	result, err := r.collection.DeleteMany(ctx, filter)
	if err != nil {
		r.logger.Error("Failed to delete expired archives", zap.Error(err))
		return 0, fmt.Errorf("failed to delete expired archives: %w", err)
	}
	return result.DeletedCount, nil
}
