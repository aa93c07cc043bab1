// Package run drives a query's fetch run: planning API requests, writing
// batches through the note cache, recovering from cross-tab write conflicts
// and deciding when to stop or pause.
package run

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/cache"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/osmnotes"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/query"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State names a run's position in its lifecycle.
type State string

const (
	StateInitializing State = "initializing"
	StateIdle         State = "idle"
	StateFetching     State = "fetching"
	StateReconciling  State = "reconciling"
	StatePaused       State = "paused"
	StateFinished     State = "finished"
	StateFailed       State = "failed"
)

const (
	defaultBatchLimit = 100
	// Caps on unattended continuation. Any trip pauses the run until the
	// user asks for more.
	autoLoadTotalCap = 1000
	autoLoadLimitCap = 200
	blankCycleCap    = 5
	idsPerCycle      = 5
)

var (
	errMissingStore = errors.New("run: note store is required")
	errMissingAPI   = errors.New("run: api client is required")
	// ErrRunAbandoned indicates the run was superseded by a newer one; its
	// pending results are discarded.
	ErrRunAbandoned = errors.New("run: abandoned")
	// ErrNoteNotDisplayed indicates a single-note refresh for a note the run
	// has never shown.
	ErrNoteNotDisplayed = errors.New("run: note is not part of this run")
)

// NoteStore is the slice of the cache the orchestrator writes through.
type NoteStore interface {
	GetFetchWithClearedData(ctx context.Context, now int64, queryString string) (cache.FetchRecord, error)
	GetFetchWithRestoredData(ctx context.Context, now int64, queryString string) (cache.FetchRecord, []osmnotes.Note, map[int64]string, error)
	AddDataToFetch(ctx context.Context, now int64, fetch cache.FetchRecord, newNotes []osmnotes.Note, newUsers map[int64]string) (cache.AddOutcome, error)
	UpdateDataInFetch(ctx context.Context, now int64, fetch cache.FetchRecord, note osmnotes.Note, newUsers map[int64]string) error
}

// API executes planned requests against the note server.
type API interface {
	Fetch(ctx context.Context, req query.Request) ([]byte, error)
}

// Config describes the dependencies of a Runner.
type Config struct {
	Store    NoteStore
	API      API
	Clock    func() time.Time
	Logger   *zap.Logger
	Listener Listener
	// BatchLimit is the nominal per-cycle note count; the planner may grow
	// it to cover duplicate timestamps.
	BatchLimit int
	// Filter is the active note filter; nil accepts everything. Filtered-out
	// notes still persist, but cycles whose batch is filtered to nothing
	// count against the blank-cycle guard.
	Filter func(osmnotes.Note) bool
	// AutoContinue schedules follow-up cycles without user action until a
	// cap trips.
	AutoContinue bool
}

// Runner hosts at most one active run. Starting a run abandons the previous
// one: results of its in-flight cycles are discarded when they arrive.
type Runner struct {
	store        NoteStore
	api          API
	clock        func() time.Time
	logger       *zap.Logger
	listener     Listener
	batchLimit   int
	filter       func(osmnotes.Note) bool
	autoContinue bool

	mu         sync.Mutex
	generation int64
	current    *Run
}

// NewRunner constructs a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	listener := cfg.Listener
	if listener == nil {
		listener = NopListener{}
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	return &Runner{
		store:        cfg.Store,
		api:          cfg.API,
		clock:        clock,
		logger:       logger,
		listener:     listener,
		batchLimit:   batchLimit,
		filter:       cfg.Filter,
		autoContinue: cfg.AutoContinue,
	}, nil
}

// Run is one logical execution of a query across possibly many cycles.
type Run struct {
	id         string
	runner     *Runner
	generation int64
	q          query.Query

	// cycleMu is held for the whole of a cycle loop so no two cycles of the
	// same run ever overlap.
	cycleMu sync.Mutex

	mu       sync.Mutex
	state    State
	fetch    cache.FetchRecord
	notes    map[int64]osmnotes.Note
	order    []int64
	users    map[int64]string
	message  *Message
	degraded bool

	// pagination cursor
	prevLimit   int
	nextIDIndex int

	// auto-continue guards
	autoCount   int
	blankCycles int
}

// StartRun begins a run for the query, abandoning any previous run. With
// clearStored the query's cached data is discarded first; otherwise cached
// notes are restored into the working set. If the working set comes up empty
// the first fetch cycle is triggered immediately.
func (r *Runner) StartRun(ctx context.Context, q query.Query, clearStored bool) (*Run, error) {
	r.mu.Lock()
	r.generation++
	generation := r.generation
	run := &Run{
		id:         uuid.NewString(),
		runner:     r,
		generation: generation,
		q:          q,
		state:      StateInitializing,
		notes:      make(map[int64]osmnotes.Note),
		users:      make(map[int64]string),
	}
	r.current = run
	r.mu.Unlock()

	queryString := q.QueryString()
	now := r.clock().UnixMilli()

	if clearStored {
		fetch, err := r.store.GetFetchWithClearedData(ctx, now, queryString)
		if err != nil {
			return nil, err
		}
		run.fetch = fetch
	} else {
		fetch, notes, users, err := r.store.GetFetchWithRestoredData(ctx, now, queryString)
		if err != nil {
			return nil, err
		}
		run.fetch = fetch
		for _, note := range notes {
			run.notes[note.ID] = note
			run.order = append(run.order, note.ID)
		}
		for id, name := range users {
			run.users[id] = name
		}
	}
	if run.abandoned() {
		return nil, ErrRunAbandoned
	}

	r.listener.RunStarted(run.id, queryString)

	if len(run.order) > 0 {
		run.setState(StateIdle)
		return run, nil
	}
	if err := run.continueCycles(ctx); err != nil {
		return run, err
	}
	return run, nil
}

// Current returns the active run, or nil.
func (r *Runner) Current() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// ID returns the run's identifier handed to the UI.
func (run *Run) ID() string {
	return run.id
}

// LoadMore resets any tripped auto-continue guards and fetches further
// cycles. It is also the retry entry point after a failed cycle.
func (run *Run) LoadMore(ctx context.Context) error {
	if run.abandoned() {
		return ErrRunAbandoned
	}
	run.mu.Lock()
	run.autoCount = 0
	run.blankCycles = 0
	if run.state == StateFinished || run.state == StateFailed {
		run.mu.Unlock()
		return nil
	}
	run.mu.Unlock()
	return run.continueCycles(ctx)
}

// Snapshot copies the run's working set for display.
func (run *Run) Snapshot() Snapshot {
	run.mu.Lock()
	defer run.mu.Unlock()
	notes := make([]osmnotes.Note, 0, len(run.order))
	for _, id := range run.order {
		notes = append(notes, run.notes[id])
	}
	users := make(map[int64]string, len(run.users))
	for id, name := range run.users {
		users[id] = name
	}
	var message *Message
	if run.message != nil {
		copied := *run.message
		message = &copied
	}
	return Snapshot{
		ID:          run.id,
		QueryString: run.q.QueryString(),
		State:       run.state,
		Degraded:    run.degraded,
		Notes:       notes,
		Users:       users,
		Message:     message,
	}
}

// abandoned reports whether a newer run has superseded this one.
func (run *Run) abandoned() bool {
	run.runner.mu.Lock()
	defer run.runner.mu.Unlock()
	return run.runner.generation != run.generation
}

func (run *Run) setState(state State) {
	run.mu.Lock()
	run.state = state
	run.mu.Unlock()
}

func (run *Run) setMessage(kind MessageKind, text string) {
	run.mu.Lock()
	run.message = &Message{Kind: kind, Text: text}
	run.mu.Unlock()
	run.runner.listener.RunMessage(run.id, kind, text)
}
