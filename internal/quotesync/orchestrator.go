package quotesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/agentworkforce/quotesync/internal/logging"
	"github.com/agentworkforce/quotesync/internal/notion"
)

type State string

const (
	StateStart            State = "START"
	StateConnectionCheck  State = "CONNECTION_CHECK"
	StateContainerResolve State = "CONTAINER_RESOLVE"
	StateCreateContainer  State = "CREATE_CONTAINER"
	StateScan             State = "SCAN"
	StatePlan             State = "PLAN"
	StateRender           State = "RENDER"
	StateWrite            State = "WRITE"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

type RunMode string

const (
	// ModeSync scans the whole container and writes every active source.
	ModeSync RunMode = "sync"
	// ModeProvision stops once the container is resolved or created.
	ModeProvision RunMode = "provision"
	// ModeJob writes a single source into an already provisioned container.
	ModeJob RunMode = "job"
)

type Transition struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	SourceID string    `json:"sourceId,omitempty"`
	At       time.Time `json:"at"`
}

type RunStats struct {
	SourcesPlanned    int `json:"sourcesPlanned"`
	SourcesSkipped    int `json:"sourcesSkipped"`
	DocumentsCreated  int `json:"documentsCreated"`
	DocumentsAppended int `json:"documentsAppended"`
	QuotesWritten     int `json:"quotesWritten"`
	BlocksAppended    int `json:"blocksAppended"`
	AppendCalls       int `json:"appendCalls"`
}

// Run is the record of one orchestrator invocation.
type Run struct {
	ID          string
	UserID      string
	Mode        RunMode
	State       State
	Transitions []Transition
	Stats       RunStats
	Err         error

	ContainerID         string
	ContainerCreated    bool
	PreviousContainerID string

	load     func(ctx context.Context) ([]Source, error)
	sources  []Source
	cursor   int
	conn     Connection
	remote   Remote
	index    Index
	item     PlanItem
	renderer *Renderer
}

func (r *Run) Success() bool {
	return r != nil && r.State == StateDone
}

type Entitlements interface {
	SyncEnabled(ctx context.Context, userID string) (bool, error)
}

type OrchestratorOptions struct {
	Connections  ConnectionStore
	Entitlements Entitlements
	Remotes      RemoteFactory
	Keys         KeyResolver
	Decrypter    NoteDecrypter
	Container    ContainerSpec
	ScanFailure  ScanFailurePolicy
	Logger       logging.Logger
	Events       EventSink
	Metrics      *Metrics
	Now          func() time.Time
}

// Orchestrator drives one sync invocation through an explicit state machine.
// Every step either names the next state or fails the run; there is no
// in-engine retry.
type Orchestrator struct {
	connections  ConnectionStore
	entitlements Entitlements
	remotes      RemoteFactory
	keys         KeyResolver
	decrypter    NoteDecrypter
	container    ContainerSpec
	scanFailure  ScanFailurePolicy
	scanner      *Scanner
	log          logging.Logger
	events       EventSink
	metrics      *Metrics
	now          func() time.Time
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Connections == nil || opts.Remotes == nil {
		return nil, fmt.Errorf("%w: connections and remotes are required", ErrInvalidInput)
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		connections:  opts.Connections,
		entitlements: opts.Entitlements,
		remotes:      opts.Remotes,
		keys:         opts.Keys,
		decrypter:    opts.Decrypter,
		container:    opts.Container.withDefaults(),
		scanFailure:  opts.ScanFailure,
		scanner:      NewScanner(log),
		log:          log,
		events:       opts.Events,
		metrics:      opts.Metrics,
		now:          now,
	}, nil
}

// Execute runs the state machine to DONE or FAILED. load supplies the sources
// to write and may be nil in ModeProvision.
func (o *Orchestrator) Execute(ctx context.Context, userID string, mode RunMode, load func(ctx context.Context) ([]Source, error)) *Run {
	run := &Run{
		ID:     uuid.NewString(),
		UserID: userID,
		Mode:   mode,
		State:  StateStart,
		load:   load,
	}
	ctx = notion.WithCorrelationID(ctx, run.ID)
	log := o.log.With("user_id", userID, "run_id", run.ID, "mode", string(mode))

	for !run.State.Terminal() {
		from := run.State
		next, err := o.step(ctx, run)
		if err != nil {
			run.Err = &StepError{State: from, Err: err}
			if IsPrecondition(err) {
				log.Warn(ctx, "sync precondition failed", "state", string(from), "error", err)
			} else {
				log.Error(ctx, "sync step failed", "state", string(from), "error", err)
			}
			next = StateFailed
		}
		o.transition(run, from, next)
	}
	o.metrics.observeRun(run)
	if run.Success() {
		log.Info(ctx, "sync finished",
			"container_id", run.ContainerID,
			"documents_created", run.Stats.DocumentsCreated,
			"documents_appended", run.Stats.DocumentsAppended,
			"blocks_appended", run.Stats.BlocksAppended)
	}
	return run
}

func (o *Orchestrator) step(ctx context.Context, run *Run) (State, error) {
	switch run.State {
	case StateStart:
		return o.start(ctx, run)
	case StateConnectionCheck:
		return o.checkConnection(ctx, run)
	case StateContainerResolve:
		return o.resolveContainer(ctx, run)
	case StateCreateContainer:
		return o.createContainer(ctx, run)
	case StateScan:
		return o.scan(ctx, run)
	case StatePlan:
		return o.plan(ctx, run)
	case StateRender:
		return o.render(ctx, run)
	case StateWrite:
		return o.write(ctx, run)
	default:
		return StateFailed, fmt.Errorf("%w: no step for state %s", ErrInvalidState, run.State)
	}
}

func (o *Orchestrator) transition(run *Run, from, to State) {
	sourceID := ""
	if run.cursor < len(run.sources) && (perSource(from) || perSource(to)) {
		sourceID = run.sources[run.cursor].ID
	}
	at := o.now()
	run.State = to
	run.Transitions = append(run.Transitions, Transition{From: from, To: to, SourceID: sourceID, At: at})
	if o.events == nil {
		return
	}
	event := Event{RunID: run.ID, UserID: run.UserID, From: from, To: to, SourceID: sourceID, At: at}
	if to == StateFailed && run.Err != nil {
		event.Error = PublicError(run.Err)
	}
	o.events.Publish(event)
}

func perSource(state State) bool {
	return state == StatePlan || state == StateRender || state == StateWrite
}

func (o *Orchestrator) start(ctx context.Context, run *Run) (State, error) {
	if strings.TrimSpace(run.UserID) == "" {
		return StateFailed, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if run.load == nil {
		return StateConnectionCheck, nil
	}
	sources, err := run.load(ctx)
	if err != nil {
		return StateFailed, fmt.Errorf("load sources: %w", err)
	}
	for _, source := range sources {
		if source.Ignored {
			continue
		}
		run.sources = append(run.sources, source)
	}
	return StateConnectionCheck, nil
}

func (o *Orchestrator) checkConnection(ctx context.Context, run *Run) (State, error) {
	conn, err := o.connections.GetConnection(ctx, run.UserID)
	if errors.Is(err, ErrNotFound) {
		return StateFailed, ErrNoConnection
	}
	if err != nil {
		return StateFailed, fmt.Errorf("load connection: %w", err)
	}
	if strings.TrimSpace(conn.AccessToken) == "" {
		return StateFailed, ErrNoConnection
	}
	if o.entitlements != nil {
		enabled, err := o.entitlements.SyncEnabled(ctx, run.UserID)
		if err != nil {
			return StateFailed, fmt.Errorf("check entitlement: %w", err)
		}
		if !enabled {
			return StateFailed, ErrNotEntitled
		}
	}
	if !wellFormedToken(conn.AccessToken) {
		return StateFailed, ErrMalformedCredential
	}
	run.conn = conn
	run.ContainerID = conn.ContainerID
	run.remote = o.remotes(conn.AccessToken)
	return StateContainerResolve, nil
}

func wellFormedToken(token string) bool {
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return token != ""
}

func (o *Orchestrator) resolveContainer(ctx context.Context, run *Run) (State, error) {
	if run.Mode == ModeJob {
		// Jobs never provision; the dispatching request already did.
		if run.conn.ContainerID == "" {
			return StateFailed, fmt.Errorf("%w: container not provisioned", ErrInvalidState)
		}
		return StateScan, nil
	}
	if run.conn.ContainerID == "" || run.conn.CreateNewContainer {
		return StateCreateContainer, nil
	}
	if run.Mode == ModeProvision {
		return StateDone, nil
	}
	return StateScan, nil
}

// createContainer provisions a page with cover and icon, then the document
// database inside it. A previous container is left untouched.
func (o *Orchestrator) createContainer(ctx context.Context, run *Run) (State, error) {
	conn := run.conn
	if strings.TrimSpace(conn.ParentPageID) == "" {
		return StateFailed, fmt.Errorf("%w: parent page id is required to create a container", ErrMalformedConnection)
	}
	page, err := run.remote.CreatePage(ctx, notion.CreatePageRequest{
		Parent: notion.PageParent(conn.ParentPageID),
		Properties: map[string]notion.PropertyValue{
			"title": {Title: notion.NewRichText(o.container.PageTitle)},
		},
		Icon:  notion.EmojiIcon(o.container.Emoji),
		Cover: notion.ExternalCover(o.container.CoverURL),
	})
	if err != nil {
		return StateFailed, fmt.Errorf("create container page: %w", err)
	}
	database, err := run.remote.CreateDatabase(ctx, notion.CreateDatabaseRequest{
		Parent:     notion.PageParent(page.ID),
		Title:      notion.NewRichText(o.container.DatabaseTitle),
		IsInline:   true,
		Properties: DocumentSchema(),
	})
	if err != nil {
		return StateFailed, fmt.Errorf("create container database: %w", err)
	}

	run.PreviousContainerID = conn.ContainerID
	conn.ContainerID = database.ID
	conn.ContainerPageID = page.ID
	conn.CreateNewContainer = false
	conn.UpdatedAt = o.now()
	if err := o.connections.SaveConnection(ctx, conn); err != nil {
		return StateFailed, fmt.Errorf("persist container id: %w", err)
	}
	run.conn = conn
	run.ContainerID = database.ID
	run.ContainerCreated = true
	o.log.Info(ctx, "created notion container",
		"user_id", run.UserID, "run_id", run.ID,
		"container_id", database.ID, "previous_container_id", run.PreviousContainerID)

	if run.Mode == ModeProvision {
		return StateDone, nil
	}
	return StateScan, nil
}

func (o *Orchestrator) scan(ctx context.Context, run *Run) (State, error) {
	if len(run.sources) == 0 {
		return StateDone, nil
	}
	if run.ContainerCreated {
		run.index = Index{}
		return StatePlan, nil
	}
	var (
		index Index
		err   error
	)
	if run.Mode == ModeJob {
		index, err = o.scanner.ScanSource(ctx, run.remote, run.ContainerID, KeyForSource(run.sources[0]))
	} else {
		index, err = o.scanner.Scan(ctx, run.remote, run.ContainerID)
	}
	if err != nil {
		if o.scanFailure != ScanFailureCreateOnly {
			return StateFailed, err
		}
		o.log.Warn(ctx, "container scan failed; continuing create-only",
			"user_id", run.UserID, "run_id", run.ID, "error", err)
		index = Index{}
	}
	run.index = index
	return StatePlan, nil
}

func (o *Orchestrator) plan(ctx context.Context, run *Run) (State, error) {
	item := Plan(run.sources[run.cursor], run.index)
	run.Stats.SourcesPlanned++
	if item.Kind == PlanSkip {
		run.Stats.SourcesSkipped++
		return o.advance(run), nil
	}
	run.item = item
	return StateRender, nil
}

func (o *Orchestrator) render(ctx context.Context, run *Run) (State, error) {
	if run.renderer == nil {
		var key []byte
		if o.keys != nil {
			resolved, err := o.keys.ResolveKey(ctx, run.UserID)
			if err != nil {
				return StateFailed, fmt.Errorf("resolve note key: %w", err)
			}
			key = resolved
		}
		run.renderer = NewRenderer(o.decrypter, key)
	}
	groups, err := run.renderer.RenderAll(run.item.Quotes)
	if err != nil {
		return StateFailed, err
	}
	run.item.Groups = groups
	return StateWrite, nil
}

func (o *Orchestrator) write(ctx context.Context, run *Run) (State, error) {
	item := run.item
	remoteID := item.RemoteID
	if item.Kind == PlanCreate {
		page, err := run.remote.CreatePage(ctx, notion.CreatePageRequest{
			Parent:     notion.DatabaseParent(run.ContainerID),
			Properties: DocumentProperties(item.Source),
		})
		if err != nil {
			return StateFailed, fmt.Errorf("create document for source %s: %w", item.Source.ID, err)
		}
		remoteID = page.ID
		run.Stats.DocumentsCreated++
	}
	chunks := item.Chunks()
	for i, chunk := range chunks {
		if err := run.remote.AppendBlockChildren(ctx, remoteID, chunk); err != nil {
			return StateFailed, fmt.Errorf("append chunk %d/%d to document %s: %w", i+1, len(chunks), remoteID, err)
		}
		run.Stats.AppendCalls++
		run.Stats.BlocksAppended += len(chunk)
	}
	if item.Kind == PlanAppend {
		run.Stats.DocumentsAppended++
	}
	run.Stats.QuotesWritten += len(item.Quotes)
	run.index.Record(item.Key, remoteID, item.Quotes)
	return o.advance(run), nil
}

func (o *Orchestrator) advance(run *Run) State {
	run.item = PlanItem{}
	run.cursor++
	if run.cursor < len(run.sources) {
		return StatePlan
	}
	return StateDone
}
