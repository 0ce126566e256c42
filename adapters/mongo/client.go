// Package mongo stores conversation archives in MongoDB.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Client wraps the MongoDB client and database
type Client struct {
	*mongo.Client
	Database *mongo.Database
	logger   *zap.Logger
}

// Options configures the archive database connection
type Options struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	Timeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.URI == "" {
		o.URI = "mongodb://localhost:27017"
	}
	if o.Database == "" {
		o.Database = "crmvoice"
	}
	if o.MaxPoolSize == 0 {
		o.MaxPoolSize = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

// NewClient connects and pings the archive database
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(opts.URI).
		SetAppName("crmvoice").
		SetMaxPoolSize(opts.MaxPoolSize).
		SetServerSelectionTimeout(opts.Timeout/2).
		SetConnectTimeout(opts.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to archive database: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("archive database unreachable: %w", err)
	}

	logger.Info("Archive database connected", zap.String("database", opts.Database))

	return &Client{
		Client:   client,
		Database: client.Database(opts.Database),
		logger:   logger,
	}, nil
}

// Close closes the MongoDB connection
func (c *Client) Close(ctx context.Context) error {
	if err := c.Client.Disconnect(ctx); err != nil {
		c.logger.Error("Archive database disconnect failed", zap.Error(err))
		return err
	}
	c.logger.Info("Archive database disconnected")
	return nil
}
