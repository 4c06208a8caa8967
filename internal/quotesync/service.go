package quotesync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/quotesync/internal/logging"
)

// Library reads the user's sources and quotes.
type Library interface {
	LoadSnapshot(ctx context.Context, userID string) (Snapshot, error)
	LoadSource(ctx context.Context, userID, sourceID string) (Source, error)
}

// ConnectionStore persists one Connection per user. GetConnection returns
// ErrNotFound when the user has none.
type ConnectionStore interface {
	GetConnection(ctx context.Context, userID string) (Connection, error)
	SaveConnection(ctx context.Context, conn Connection) error
	DeleteConnection(ctx context.Context, userID string) error
}

type ServiceOptions struct {
	Library      Library
	Connections  ConnectionStore
	Entitlements Entitlements
	Remotes      RemoteFactory
	Keys         KeyResolver
	Decrypter    NoteDecrypter
	Jobs         JobStore
	Container    ContainerSpec
	ScanFailure  ScanFailurePolicy
	Logger       logging.Logger
	Events       EventSink
	Metrics      *Metrics
}

type Service struct {
	library      Library
	connections  ConnectionStore
	jobs         JobStore
	dispatcher   *Dispatcher
	orchestrator *Orchestrator
	log          logging.Logger
	metrics      *Metrics
}

type SyncResult struct {
	Success bool   `json:"success"`
	RunID   string `json:"runId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type EnqueueResult struct {
	RunID           string    `json:"runId"`
	ContainerID     string    `json:"containerId"`
	IsNewConnection bool      `json:"isNewConnection"`
	Jobs            []SyncJob `json:"jobs"`
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Library == nil {
		return nil, fmt.Errorf("%w: library is required", ErrInvalidInput)
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Connections:  opts.Connections,
		Entitlements: opts.Entitlements,
		Remotes:      opts.Remotes,
		Keys:         opts.Keys,
		Decrypter:    opts.Decrypter,
		Container:    opts.Container,
		ScanFailure:  opts.ScanFailure,
		Logger:       log,
		Events:       opts.Events,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s := &Service{
		library:      opts.Library,
		connections:  opts.Connections,
		jobs:         opts.Jobs,
		orchestrator: orchestrator,
		log:          log,
		metrics:      opts.Metrics,
	}
	if opts.Jobs != nil {
		s.dispatcher = NewDispatcher(opts.Jobs)
	}
	return s, nil
}

// Sync runs a full synchronous sync and returns the run record.
func (s *Service) Sync(ctx context.Context, userID string) *Run {
	return s.orchestrator.Execute(ctx, userID, ModeSync, func(ctx context.Context) ([]Source, error) {
		snapshot, err := s.library.LoadSnapshot(ctx, userID)
		if err != nil {
			return nil, err
		}
		return snapshot.Active(), nil
	})
}

func (s *Service) SyncToNotion(ctx context.Context, userID string) SyncResult {
	return resultOf(s.Sync(ctx, userID))
}

// DisconnectNotion removes the connection and any jobs still pending for the
// user. Remote documents are left in place.
func (s *Service) DisconnectNotion(ctx context.Context, userID string) SyncResult {
	if strings.TrimSpace(userID) == "" {
		return SyncResult{Error: ErrInvalidInput.Error()}
	}
	if err := s.connections.DeleteConnection(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Error(ctx, "delete notion connection failed", "user_id", userID, "error", err)
		return SyncResult{Error: "disconnect failed"}
	}
	if s.jobs != nil {
		if err := s.jobs.PurgeUser(ctx, userID); err != nil {
			s.log.Error(ctx, "purge sync jobs failed", "user_id", userID, "error", err)
			return SyncResult{Error: "disconnect failed"}
		}
	}
	s.log.Info(ctx, "notion connection removed", "user_id", userID)
	return SyncResult{Success: true}
}

// EnqueueSync provisions the container synchronously and then dispatches one
// job per active source.
func (s *Service) EnqueueSync(ctx context.Context, userID string) (EnqueueResult, error) {
	if s.dispatcher == nil {
		return EnqueueResult{}, fmt.Errorf("%w: no job store configured", ErrInvalidState)
	}
	run := s.orchestrator.Execute(ctx, userID, ModeProvision, nil)
	result := EnqueueResult{RunID: run.ID, ContainerID: run.ContainerID, IsNewConnection: run.ContainerCreated}
	if !run.Success() {
		return result, run.Err
	}
	snapshot, err := s.library.LoadSnapshot(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("load snapshot: %w", err)
	}
	active := snapshot.Active()
	sourceIDs := make([]string, 0, len(active))
	for _, source := range active {
		sourceIDs = append(sourceIDs, source.ID)
	}
	jobs, err := s.dispatcher.Enqueue(ctx, userID, run.ContainerCreated, sourceIDs)
	if err != nil {
		return result, err
	}
	result.Jobs = jobs
	s.log.Info(ctx, "sync jobs enqueued",
		"user_id", userID, "run_id", run.ID, "jobs", len(jobs), "is_new_connection", run.ContainerCreated)
	return result, nil
}

// RunJob writes a single source into the user's existing container. A source
// that no longer exists completes without writing.
func (s *Service) RunJob(ctx context.Context, job SyncJob) error {
	run := s.orchestrator.Execute(ctx, job.UserID, ModeJob, func(ctx context.Context) ([]Source, error) {
		source, err := s.library.LoadSource(ctx, job.UserID, job.SourceID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []Source{source}, nil
	})
	if run.Success() {
		return nil
	}
	return run.Err
}

func (s *Service) Jobs(ctx context.Context, userID string) ([]SyncJob, error) {
	if s.jobs == nil {
		return nil, fmt.Errorf("%w: no job store configured", ErrInvalidState)
	}
	return s.jobs.List(ctx, userID)
}

// JobStore exposes the configured job store, which may be nil.
func (s *Service) JobStore() JobStore {
	return s.jobs
}

func resultOf(run *Run) SyncResult {
	result := SyncResult{Success: run.Success(), RunID: run.ID}
	if run.Err != nil {
		result.Error = PublicError(run.Err)
	}
	return result
}
