// Package checkpoint tracks how far each (source, stream, consumer) triple
// has progressed through a stream's archived objects, so the cold-path
// reader and the transform engine can resume without rescanning everything
// already processed. Thin wrapper over database.CheckpointRepository's
// upsert, giving callers a zero-value-safe time.Time instead of juggling
// *time.Time and the sql.ErrNoRows/not-found distinction themselves.
package checkpoint

import (
	"context"
	"time"

	"github.com/virtues-os/core/database"
)

type Store struct {
	repo *database.CheckpointRepository
}

func New(repo *database.CheckpointRepository) *Store {
	return &Store{repo: repo}
}

// Get returns the last processed timestamp for this checkpoint, or the zero
// Time and found=false if nothing has been recorded yet.
func (s *Store) Get(ctx context.Context, sourceID, streamName, checkpointKey string) (at time.Time, found bool, err error) {
	ts, err := s.repo.Get(ctx, sourceID, streamName, checkpointKey)
	if err != nil {
		return time.Time{}, false, err
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// Advance records progress up to at. Advancing to an earlier timestamp than
// what's stored is the caller's responsibility to avoid; this is a plain
// upsert, not a monotonic max.
func (s *Store) Advance(ctx context.Context, sourceID, streamName, checkpointKey string, at time.Time) error {
	return s.repo.Update(ctx, sourceID, streamName, checkpointKey, at)
}
