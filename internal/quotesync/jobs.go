package quotesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// JobStore holds background sync jobs, one queue per shard.
type JobStore interface {
	Shards() int
	// ReplacePending atomically removes every non-running job of userID for
	// sourceIDs, on any shard, and inserts jobs. A job whose source still has
	// a RUNNING row is moved onto that row's shard, and jobs is updated in
	// place to reflect it, so one source is never worked by two shards.
	ReplacePending(ctx context.Context, userID string, sourceIDs []string, jobs []SyncJob) error
	// Claim moves the oldest READY job of shard to RUNNING. It returns
	// ErrNotFound when the shard has nothing ready.
	Claim(ctx context.Context, shard int) (SyncJob, error)
	Finish(ctx context.Context, job SyncJob, status JobStatus, errMsg string) error
	List(ctx context.Context, userID string) ([]SyncJob, error)
	PurgeUser(ctx context.Context, userID string) error
	Close() error
}

type MemoryJobStore struct {
	mu     sync.Mutex
	shards [][]SyncJob
	now    func() time.Time
}

func NewMemoryJobStore(shards int) *MemoryJobStore {
	if shards <= 0 {
		shards = DefaultShardCount
	}
	return &MemoryJobStore{
		shards: make([][]SyncJob, shards),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Shards() int {
	return len(s.shards)
}

func (s *MemoryJobStore) ReplacePending(ctx context.Context, userID string, sourceIDs []string, jobs []SyncJob) error {
	for _, job := range jobs {
		if job.Shard < 0 || job.Shard >= len(s.shards) {
			return fmt.Errorf("%w: shard %d out of range", ErrInvalidInput, job.Shard)
		}
	}
	replace := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		replace[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	running := make(map[string]int)
	for shard, queue := range s.shards {
		kept := queue[:0]
		for _, job := range queue {
			_, hit := replace[job.SourceID]
			if job.UserID == userID && hit {
				if job.Status != JobRunning {
					continue
				}
				running[job.SourceID] = shard
			}
			kept = append(kept, job)
		}
		s.shards[shard] = kept
	}
	for i := range jobs {
		if shard, ok := running[jobs[i].SourceID]; ok {
			jobs[i].Shard = shard
		}
		s.shards[jobs[i].Shard] = append(s.shards[jobs[i].Shard], jobs[i])
	}
	return nil
}

func (s *MemoryJobStore) Claim(ctx context.Context, shard int) (SyncJob, error) {
	if shard < 0 || shard >= len(s.shards) {
		return SyncJob{}, fmt.Errorf("%w: shard %d out of range", ErrInvalidInput, shard)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.shards[shard] {
		job := &s.shards[shard][i]
		if job.Status != JobReady {
			continue
		}
		job.Status = JobRunning
		job.UpdatedAt = s.now()
		return *job, nil
	}
	return SyncJob{}, ErrNotFound
}

func (s *MemoryJobStore) Finish(ctx context.Context, job SyncJob, status JobStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidInput, status)
	}
	if job.Shard < 0 || job.Shard >= len(s.shards) {
		return fmt.Errorf("%w: shard %d out of range", ErrInvalidInput, job.Shard)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.shards[job.Shard] {
		current := &s.shards[job.Shard][i]
		if current.ID != job.ID {
			continue
		}
		current.Status = status
		current.Error = errMsg
		current.UpdatedAt = s.now()
		return nil
	}
	return ErrNotFound
}

func (s *MemoryJobStore) List(ctx context.Context, userID string) ([]SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncJob, 0)
	for _, queue := range s.shards {
		for _, job := range queue {
			if job.UserID == userID {
				out = append(out, job)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Shard != out[j].Shard {
			return out[i].Shard < out[j].Shard
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryJobStore) PurgeUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for shard, queue := range s.shards {
		kept := queue[:0]
		for _, job := range queue {
			if job.UserID == userID && job.Status != JobRunning {
				continue
			}
			kept = append(kept, job)
		}
		s.shards[shard] = kept
	}
	return nil
}

func (s *MemoryJobStore) Close() error {
	return nil
}
