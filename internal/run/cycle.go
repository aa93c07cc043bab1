package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/apiclient"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/osmnotes"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/query"
	"go.uber.org/zap"
)

// batch is the transformed result of one fetch cycle.
type batch struct {
	notes []osmnotes.Note
	users map[int64]string
	// size is the raw feature count of the last HTTP response; the search
	// continuation predicate compares it against the effective limit.
	size           int
	effectiveLimit int
}

var errUnexpectedPayload = errors.New("run: response does not look like a note payload")

// continueCycles runs fetch cycles until the run goes idle, pauses,
// finishes, or fails. cycleMu serializes cycles: no two cycles of one run
// overlap, concurrent triggers queue up instead, and a trigger arriving
// after the run reached a terminal state does nothing.
func (run *Run) continueCycles(ctx context.Context) error {
	run.cycleMu.Lock()
	defer run.cycleMu.Unlock()
	for {
		run.mu.Lock()
		state := run.state
		run.mu.Unlock()
		if state == StateFinished || state == StateFailed {
			return nil
		}
		proceed, err := run.cycle(ctx)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}
}

// cycle performs one fetch-and-reconcile round trip. It reports whether the
// next cycle should start immediately. Cycle-local failures (network,
// protocol) leave the run idle with a retryable message and do not return an
// error; invariant violations and store staleness do.
func (run *Run) cycle(ctx context.Context) (bool, error) {
	if run.abandoned() {
		return false, ErrRunAbandoned
	}
	run.setState(StateFetching)

	downloaded, err := run.fetchBatch(ctx)
	if err != nil {
		return false, run.reportCycleError(err)
	}
	if run.abandoned() {
		return false, ErrRunAbandoned
	}

	run.setState(StateReconciling)
	unseen, err := run.reconcile(ctx, downloaded)
	if err != nil {
		return false, err
	}
	if run.abandoned() {
		return false, ErrRunAbandoned
	}

	run.mu.Lock()
	total := len(run.order)
	degraded := run.degraded
	run.mu.Unlock()
	run.runner.listener.BatchAdded(run.id, unseen, total, degraded)

	if !run.moreDataExpected(downloaded) {
		if total == 0 {
			run.setMessage(MessageInfo, "no matching notes found")
		} else {
			run.setMessage(MessageInfo, fmt.Sprintf("got all %d notes", total))
		}
		run.setState(StateFinished)
		return false, nil
	}

	return run.gateNextCycle(unseen, downloaded.effectiveLimit), nil
}

// reportCycleError classifies a cycle failure. Planner invariant violations
// are programming errors and fail the run; everything else leaves the run
// retryable.
func (run *Run) reportCycleError(err error) error {
	switch {
	case errors.Is(err, osmnotes.ErrNoComments) || errors.Is(err, query.ErrMissingPreviousLimit):
		run.setMessage(MessageFatal, err.Error())
		run.setState(StateFailed)
		return err
	case errors.Is(err, errUnexpectedPayload):
		run.setMessage(MessageProtocolError, err.Error())
	default:
		var requestErr *apiclient.RequestError
		var statusErr *apiclient.StatusError
		switch {
		case errors.As(err, &requestErr):
			run.setMessage(MessageNetworkError, err.Error())
		case errors.As(err, &statusErr):
			run.setMessage(MessageNetworkError,
				fmt.Sprintf("server responded with %d: %s", statusErr.Code, statusErr.Body))
		default:
			run.setMessage(MessageProtocolError, err.Error())
		}
	}
	run.runner.logger.Warn("fetch cycle failed", zap.String("run", run.id), zap.Error(err))
	run.setState(StateIdle)
	return nil
}

func (run *Run) fetchBatch(ctx context.Context) (batch, error) {
	switch q := run.q.(type) {
	case query.SearchQuery:
		return run.fetchSearchBatch(ctx, q)
	case query.BboxQuery:
		return run.fetchBboxBatch(ctx, q)
	case query.IdsQuery:
		return run.fetchIdsBatch(ctx, q)
	default:
		return batch{}, fmt.Errorf("run: unsupported query mode %q", run.q.Mode())
	}
}

func (run *Run) fetchSearchBatch(ctx context.Context, q query.SearchQuery) (batch, error) {
	lastNote, prevNote, prevLimit := run.cursorNotes()
	requests, effectiveLimit, err := query.PlanSearchRequest(
		q, run.runner.batchLimit, lastNote, prevNote, prevLimit)
	if err != nil {
		return batch{}, err
	}

	body, err := run.runner.api.Fetch(ctx, requests[0])
	if err != nil {
		return batch{}, err
	}
	var fc osmnotes.FeatureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return batch{}, fmt.Errorf("%w: %v", errUnexpectedPayload, err)
	}
	if !osmnotes.IsNoteFeatureCollection(fc) {
		return batch{}, errUnexpectedPayload
	}
	notes, users := osmnotes.FromFeatureCollection(fc)

	run.mu.Lock()
	run.prevLimit = effectiveLimit
	run.mu.Unlock()
	return batch{notes: notes, users: users, size: len(fc.Features), effectiveLimit: effectiveLimit}, nil
}

func (run *Run) fetchBboxBatch(ctx context.Context, q query.BboxQuery) (batch, error) {
	request := query.PlanBboxRequest(q, run.runner.batchLimit)
	body, err := run.runner.api.Fetch(ctx, request)
	if err != nil {
		return batch{}, err
	}
	var fc osmnotes.FeatureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return batch{}, fmt.Errorf("%w: %v", errUnexpectedPayload, err)
	}
	if !osmnotes.IsNoteFeatureCollection(fc) {
		return batch{}, errUnexpectedPayload
	}
	notes, users := osmnotes.FromFeatureCollection(fc)
	return batch{notes: notes, users: users, size: len(fc.Features), effectiveLimit: run.runner.batchLimit}, nil
}

// fetchIdsBatch issues one request per note id. HTTP 410 marks a note
// deleted on the server and is skipped; any other failure aborts the cycle
// with the resumption index still pointing at the failed id.
func (run *Run) fetchIdsBatch(ctx context.Context, q query.IdsQuery) (batch, error) {
	run.mu.Lock()
	nextIndex := run.nextIDIndex
	run.mu.Unlock()

	requests := query.PlanIdsRequests(q, nextIndex, idsPerCycle)
	collected := batch{users: make(map[int64]string)}
	for _, request := range requests {
		body, err := run.runner.api.Fetch(ctx, request)
		if apiclient.IsGone(err) {
			nextIndex++
			run.setIDIndex(nextIndex)
			continue
		}
		if err != nil {
			return batch{}, err
		}
		var feature osmnotes.Feature
		if err := json.Unmarshal(body, &feature); err != nil {
			return batch{}, fmt.Errorf("%w: %v", errUnexpectedPayload, err)
		}
		if !osmnotes.IsNoteFeature(feature) {
			return batch{}, errUnexpectedPayload
		}
		note, users := osmnotes.FromFeature(feature)
		collected.notes = append(collected.notes, note)
		for id, name := range users {
			collected.users[id] = name
		}
		nextIndex++
		run.setIDIndex(nextIndex)
	}
	collected.size = len(collected.notes)
	collected.effectiveLimit = idsPerCycle
	return collected, nil
}

func (run *Run) setIDIndex(index int) {
	run.mu.Lock()
	run.nextIDIndex = index
	run.mu.Unlock()
}

// reconcile writes the downloaded batch through the store and folds the
// confirmed data into the working set. On a write conflict the downloaded
// batch is discarded and the working set is rebuilt from the authoritative
// persisted snapshot, so only data known to be persisted is surfaced.
func (run *Run) reconcile(ctx context.Context, downloaded batch) ([]osmnotes.Note, error) {
	run.mu.Lock()
	unseen := make([]osmnotes.Note, 0, len(downloaded.notes))
	for _, note := range downloaded.notes {
		if _, seen := run.notes[note.ID]; !seen {
			unseen = append(unseen, note)
		}
	}
	degraded := run.degraded
	fetch := run.fetch
	run.mu.Unlock()

	if degraded {
		run.mergeBatch(downloaded.notes, downloaded.users)
		return unseen, nil
	}

	now := run.runner.clock().UnixMilli()
	outcome, err := run.runner.store.AddDataToFetch(ctx, now, fetch, downloaded.notes, downloaded.users)
	if err != nil {
		return nil, err
	}

	switch {
	case outcome.Gone():
		// The fetch record was deleted under us. Keep going without
		// persistence for the rest of this run.
		run.mu.Lock()
		run.degraded = true
		run.mu.Unlock()
		run.mergeBatch(downloaded.notes, downloaded.users)
		run.setMessage(MessageNotSaved, "results are not saved locally")
		return unseen, nil
	case outcome.Conflicted():
		// Another writer persisted first. The just-downloaded batch would be
		// a lost update; adopt the persisted snapshot instead and recompute
		// what is new against it.
		run.mu.Lock()
		previous := run.notes
		run.notes = make(map[int64]osmnotes.Note, len(outcome.ConflictNotes))
		run.order = run.order[:0]
		for _, note := range outcome.ConflictNotes {
			run.notes[note.ID] = note
			run.order = append(run.order, note.ID)
		}
		run.users = make(map[int64]string, len(outcome.ConflictUsers))
		for id, name := range outcome.ConflictUsers {
			run.users[id] = name
		}
		run.fetch = *outcome.Fetch
		unseen = unseen[:0]
		for _, note := range outcome.ConflictNotes {
			if _, seen := previous[note.ID]; !seen {
				unseen = append(unseen, note)
			}
		}
		run.mu.Unlock()
		run.runner.logger.Info("write conflict resolved from persisted snapshot",
			zap.String("run", run.id), zap.Int64("fetch", outcome.Fetch.Timestamp))
		return unseen, nil
	default:
		run.mu.Lock()
		run.fetch = *outcome.Fetch
		run.mu.Unlock()
		run.mergeBatch(downloaded.notes, downloaded.users)
		return unseen, nil
	}
}

func (run *Run) mergeBatch(notes []osmnotes.Note, users map[int64]string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, note := range notes {
		if _, seen := run.notes[note.ID]; !seen {
			run.order = append(run.order, note.ID)
		}
		run.notes[note.ID] = note
	}
	for id, name := range users {
		run.users[id] = name
	}
}

// moreDataExpected is the per-mode continuation predicate.
func (run *Run) moreDataExpected(downloaded batch) bool {
	switch q := run.q.(type) {
	case query.SearchQuery:
		return downloaded.size > 0 && downloaded.size == downloaded.effectiveLimit
	case query.BboxQuery:
		return false
	case query.IdsQuery:
		run.mu.Lock()
		defer run.mu.Unlock()
		return run.nextIDIndex < len(q.IDs)
	default:
		return false
	}
}

// gateNextCycle decides whether the next cycle starts without user action.
// Every pause requires an explicit LoadMore, which resets the guards.
func (run *Run) gateNextCycle(unseen []osmnotes.Note, effectiveLimit int) bool {
	filtered := 0
	for _, note := range unseen {
		if run.runner.filter == nil || run.runner.filter(note) {
			filtered++
		}
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	run.autoCount += len(unseen)
	if filtered == 0 {
		run.blankCycles++
	} else {
		run.blankCycles = 0
	}

	if !run.runner.autoContinue {
		run.state = StateIdle
		return false
	}
	if run.autoCount > autoLoadTotalCap {
		run.state = StatePaused
		return false
	}
	if run.nextSearchLimitLocked() > autoLoadLimitCap {
		run.state = StatePaused
		return false
	}
	if run.blankCycles >= blankCycleCap {
		run.state = StatePaused
		return false
	}
	run.state = StateFetching
	return true
}

// nextSearchLimitLocked estimates the next cycle's effective limit: the
// nominal limit, grown by the previous effective limit when the cursor's
// last two anchors share a timestamp. Callers hold run.mu.
func (run *Run) nextSearchLimitLocked() int {
	q, ok := run.q.(query.SearchQuery)
	if !ok || len(run.order) < 2 {
		return run.runner.batchLimit
	}
	last := run.notes[run.order[len(run.order)-1]]
	prev := run.notes[run.order[len(run.order)-2]]
	lastAnchor, err1 := anchorComment(q.Sort, last)
	prevAnchor, err2 := anchorComment(q.Sort, prev)
	if err1 != nil || err2 != nil {
		return run.runner.batchLimit
	}
	if lastAnchor.Date == prevAnchor.Date {
		return run.runner.batchLimit + run.prevLimit
	}
	return run.runner.batchLimit
}

func anchorComment(sort query.Sort, note osmnotes.Note) (osmnotes.Comment, error) {
	if sort == query.SortUpdatedAt {
		return note.LatestComment()
	}
	return note.OpeningComment()
}

// cursorNotes returns the search-mode pagination cursor: the last and
// previous-to-last notes of the working set plus the previous cycle's
// effective limit. The previous-to-last note travels together with that
// limit: the duplicate-timestamp rule needs both, and a working set restored
// from the cache starts without one, so its first cycle paginates from the
// last note alone.
func (run *Run) cursorNotes() (last, prev *osmnotes.Note, prevLimit int) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if n := len(run.order); n > 0 {
		note := run.notes[run.order[n-1]]
		last = &note
		if n > 1 && run.prevLimit > 0 {
			previous := run.notes[run.order[n-2]]
			prev = &previous
		}
	}
	return last, prev, run.prevLimit
}
