// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"rsswatcher/internal/model"
)

// Storage is the seen-state store shared by all feed watchers.
//
// All mark operations are idempotent: re-marking an existing key is a
// no-op, never an error. State is monotonic; nothing is ever un-seen
// or un-initialized.
type Storage interface {
	IsSeen(ctx context.Context, guid, feedName string) (bool, error)
	MarkSeen(ctx context.Context, rec model.SeenRecord) error
	MarkManySeen(ctx context.Context, recs []model.SeenRecord) error

	FeedState(ctx context.Context, feedName string) (model.FeedState, error)
	MarkFeedInitialized(ctx context.Context, feedName string) error

	SeenCount(ctx context.Context, feedName string) (int, error)
	CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error)

	Close() error
}
