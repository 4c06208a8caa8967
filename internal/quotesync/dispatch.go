package quotesync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultShardCount is the number of job shards used when none is configured.
const DefaultShardCount = 4

// Dispatcher turns a background sync request into per-source jobs spread over
// the store's shards.
type Dispatcher struct {
	store JobStore
	now   func() time.Time
}

func NewDispatcher(store JobStore) *Dispatcher {
	return &Dispatcher{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue replaces the user's pending jobs for sourceIDs with fresh READY
// jobs. Jobs already running are left alone.
func (d *Dispatcher) Enqueue(ctx context.Context, userID string, isNewConnection bool, sourceIDs []string) ([]SyncJob, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(sourceIDs) == 0 {
		return []SyncJob{}, nil
	}
	now := d.now()
	jobs := make([]SyncJob, 0, len(sourceIDs))
	for shard, group := range PartitionContiguous(sourceIDs, d.store.Shards()) {
		for _, sourceID := range group {
			jobs = append(jobs, SyncJob{
				ID:              uuid.NewString(),
				Shard:           shard,
				UserID:          userID,
				SourceID:        sourceID,
				Status:          JobReady,
				IsNewConnection: isNewConnection,
				CreatedAt:       now,
				UpdatedAt:       now,
			})
		}
	}
	if err := d.store.ReplacePending(ctx, userID, sourceIDs, jobs); err != nil {
		return nil, fmt.Errorf("enqueue sync jobs: %w", err)
	}
	return jobs, nil
}

// PartitionContiguous splits ids into k ordered groups of ceil(n/k) elements.
// Trailing groups may be empty; the result always has k entries.
func PartitionContiguous(ids []string, k int) [][]string {
	if k <= 0 {
		k = DefaultShardCount
	}
	groups := make([][]string, k)
	if len(ids) == 0 {
		return groups
	}
	size := (len(ids) + k - 1) / k
	for i, id := range ids {
		shard := i / size
		groups[shard] = append(groups[shard], id)
	}
	return groups
}
