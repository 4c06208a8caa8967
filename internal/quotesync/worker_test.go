package quotesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func backgroundEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := Connection{UserID: testUser, AccessToken: "secret_token_1", ParentPageID: "parent_page"}
	return newTestEnv(t, conn, []Source{
		source("src_a", "A", "", "a1", "a2"),
		source("src_b", "B", "", "b1"),
		source("src_c", "C", "", "c1"),
	})
}

func TestEnqueueSyncProvisionsThenDispatches(t *testing.T) {
	env := backgroundEnv(t)
	ctx := context.Background()

	result, err := env.service.EnqueueSync(ctx, testUser)
	if err != nil {
		t.Fatalf("enqueue sync: %v", err)
	}
	if !result.IsNewConnection || result.ContainerID == "" {
		t.Fatalf("expected container created by this request, got %+v", result)
	}
	if len(result.Jobs) != 3 {
		t.Fatalf("expected three jobs, got %d", len(result.Jobs))
	}
	if env.workspace.callCount("create_database") != 1 || env.workspace.callCount("create_page") != 1 {
		t.Fatalf("expected only container provisioning calls, got %v", env.workspace.calls)
	}

	pool, err := NewWorkerPool(WorkerPoolOptions{Store: env.jobs, Runner: env.service})
	if err != nil {
		t.Fatalf("new worker pool: %v", err)
	}
	total := 0
	for shard := 0; shard < env.jobs.Shards(); shard++ {
		n, err := pool.DrainShard(ctx, shard)
		if err != nil {
			t.Fatalf("drain shard %d: %v", shard, err)
		}
		total += n
	}
	if total != 3 {
		t.Fatalf("expected three jobs processed, got %d", total)
	}
	if got := len(env.workspace.documents(result.ContainerID)); got != 3 {
		t.Fatalf("expected three documents, got %d", got)
	}
	jobs, _ := env.service.Jobs(ctx, testUser)
	for _, job := range jobs {
		if job.Status != JobSucceeded {
			t.Fatalf("expected every job succeeded, got %+v", job)
		}
	}

	second, err := env.service.EnqueueSync(ctx, testUser)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second.IsNewConnection || second.ContainerID != result.ContainerID {
		t.Fatalf("expected existing container reused, got %+v", second)
	}
	env.workspace.resetCalls()
	for shard := 0; shard < env.jobs.Shards(); shard++ {
		if _, err := pool.DrainShard(ctx, shard); err != nil {
			t.Fatalf("drain shard %d: %v", shard, err)
		}
	}
	if env.workspace.callCount("create_page") != 0 || env.workspace.callCount("append") != 0 {
		t.Fatalf("expected re-run jobs to write nothing, got %v", env.workspace.calls)
	}
}

func TestEnqueueSyncReportsPreconditionFailure(t *testing.T) {
	env := newTestEnv(t, Connection{}, nil)
	_, err := env.service.EnqueueSync(context.Background(), testUser)
	if !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
	if jobs, _ := env.jobs.List(context.Background(), testUser); len(jobs) != 0 {
		t.Fatalf("expected no jobs enqueued, got %d", len(jobs))
	}
}

func TestRunJobRequiresProvisionedContainer(t *testing.T) {
	env := backgroundEnv(t)
	err := env.service.RunJob(context.Background(), SyncJob{ID: "job_1", UserID: testUser, SourceID: "src_a"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if env.workspace.callCount("create_database") != 0 {
		t.Fatalf("expected a job never to create a container")
	}
}

func TestRunJobForDeletedSourceSucceeds(t *testing.T) {
	env := newTestEnv(t, connected("db_1"), nil)
	if err := env.service.RunJob(context.Background(), SyncJob{UserID: testUser, SourceID: "gone"}); err != nil {
		t.Fatalf("expected no error for a missing source, got %v", err)
	}
	if env.workspace.totalCalls() != 0 {
		t.Fatalf("expected no remote calls, got %v", env.workspace.calls)
	}
}

type flakyRunner struct {
	mu         sync.Mutex
	failSource string
	ran        []string
}

func (r *flakyRunner) RunJob(ctx context.Context, job SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, job.SourceID)
	if job.SourceID == r.failSource {
		return errors.New("remote rejected write")
	}
	return nil
}

func TestDrainShardRecordsFailureAndContinues(t *testing.T) {
	store := NewMemoryJobStore(1)
	ctx := context.Background()
	if _, err := NewDispatcher(store).Enqueue(ctx, testUser, false, []string{"A", "B", "C"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runner := &flakyRunner{failSource: "B"}
	pool, err := NewWorkerPool(WorkerPoolOptions{Store: store, Runner: runner})
	if err != nil {
		t.Fatalf("new worker pool: %v", err)
	}
	n, err := pool.DrainShard(ctx, 0)
	if err != nil || n != 3 {
		t.Fatalf("expected three jobs drained, got %d (%v)", n, err)
	}
	jobs, _ := store.List(ctx, testUser)
	statuses := map[string]JobStatus{}
	for _, job := range jobs {
		statuses[job.SourceID] = job.Status
		if job.SourceID == "B" && job.Error != "remote rejected write" {
			t.Fatalf("expected failure message recorded, got %q", job.Error)
		}
	}
	if statuses["A"] != JobSucceeded || statuses["B"] != JobFailed || statuses["C"] != JobSucceeded {
		t.Fatalf("unexpected statuses %v", statuses)
	}
	if n, _ := pool.DrainShard(ctx, 0); n != 0 {
		t.Fatalf("expected failed job not retried, drained %d", n)
	}
}

func TestWorkerPoolDrainsShardsOnSchedule(t *testing.T) {
	store := NewMemoryJobStore(2)
	ctx := context.Background()
	if _, err := NewDispatcher(store).Enqueue(ctx, testUser, false, []string{"A", "B", "C", "D"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pool, err := NewWorkerPool(WorkerPoolOptions{Store: store, Runner: &flakyRunner{}, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new worker pool: %v", err)
	}
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer pool.Stop()
	if err := pool.Start(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected second start to fail, got %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs, _ := store.List(ctx, testUser)
		done := 0
		for _, job := range jobs {
			if job.Status == JobSucceeded {
				done++
			}
		}
		if done == 4 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected all jobs drained by the scheduled workers")
}
