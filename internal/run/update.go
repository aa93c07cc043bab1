package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/cache"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/osmnotes"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/query"
)

// UpdateNote re-fetches one displayed note and overwrites its cached
// snapshot in place, preserving its position in the fetch. The refreshed
// note is returned for display. This path stays outside the batch conflict
// protocol; the overwrite is idempotent by note id.
func (run *Run) UpdateNote(ctx context.Context, noteID int64) (osmnotes.Note, error) {
	if noteID <= 0 {
		return osmnotes.Note{}, fmt.Errorf("%w: %d", osmnotes.ErrInvalidNoteID, noteID)
	}
	if run.abandoned() {
		return osmnotes.Note{}, ErrRunAbandoned
	}
	run.mu.Lock()
	_, displayed := run.notes[noteID]
	fetch := run.fetch
	degraded := run.degraded
	run.mu.Unlock()
	if !displayed {
		return osmnotes.Note{}, fmt.Errorf("%w: note %d", ErrNoteNotDisplayed, noteID)
	}

	request := query.Request{Path: fmt.Sprintf("notes/%d.json", noteID), Params: url.Values{}}
	body, err := run.runner.api.Fetch(ctx, request)
	if err != nil {
		return osmnotes.Note{}, err
	}
	var feature osmnotes.Feature
	if err := json.Unmarshal(body, &feature); err != nil {
		return osmnotes.Note{}, fmt.Errorf("%w: %v", errUnexpectedPayload, err)
	}
	if !osmnotes.IsNoteFeature(feature) {
		return osmnotes.Note{}, errUnexpectedPayload
	}
	note, users := osmnotes.FromFeature(feature)

	if !degraded {
		now := run.runner.clock().UnixMilli()
		err := run.runner.store.UpdateDataInFetch(ctx, now, fetch, note, users)
		if errors.Is(err, cache.ErrFetchGone) {
			run.mu.Lock()
			run.degraded = true
			run.mu.Unlock()
			run.setMessage(MessageNotSaved, "results are not saved locally")
		} else if err != nil {
			return osmnotes.Note{}, err
		}
	}
	if run.abandoned() {
		return osmnotes.Note{}, ErrRunAbandoned
	}

	run.mergeBatch([]osmnotes.Note{note}, users)
	return note, nil
}
