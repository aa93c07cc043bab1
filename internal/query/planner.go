package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/osmnotes"
)

// Request describes one API call: a path relative to the API base and its
// query parameters.
type Request struct {
	Path   string
	Params url.Values
}

// ErrMissingPreviousLimit indicates a pagination invariant violation: the
// previous-to-last note was supplied without the previous cycle's limit, so
// the duplicate-timestamp rule cannot be applied.
var ErrMissingPreviousLimit = errors.New("query: previous cycle limit required when previous note is given")

// defaultLowerBound is used when a computed upper date bound exists without
// any lower bound: 2001-01-01T00:00:00Z, safely before any note on the
// server.
const defaultLowerBound int64 = 978307200

// sortAnchor returns the comment whose date drives pagination: the opening
// comment when sorting by creation date, the latest comment when sorting by
// update date. A note without comments violates the transform layer's
// guarantee and is a fatal planning error.
func sortAnchor(sort Sort, note osmnotes.Note) (osmnotes.Comment, error) {
	if sort == SortUpdatedAt {
		return note.LatestComment()
	}
	return note.OpeningComment()
}

// PlanSearchRequest computes the next search-mode request. lastNote is the
// last note seen so far (nil on the first cycle), prevNote the one before it,
// and prevLimit the effective limit of the previous cycle. The returned limit
// is the effective one, which exceeds the nominal limit when the last two
// anchors share a timestamp: the grown batch re-covers the whole run of
// same-timestamp notes so none can be lost to a batch boundary.
func PlanSearchRequest(q SearchQuery, limit int, lastNote, prevNote *osmnotes.Note, prevLimit int) ([]Request, int, error) {
	q = q.withDefaults()
	var lowerBound, upperBound int64
	haveLower, haveUpper := false, false
	effectiveLimit := limit

	if lastNote != nil {
		anchor, err := sortAnchor(q.Sort, *lastNote)
		if err != nil {
			return nil, 0, err
		}
		if q.Order == OrderOldest {
			lowerBound, haveLower = anchor.Date, true
		} else {
			// +1s so that unseen notes sharing the anchor's timestamp stay
			// inside the requested range.
			upperBound, haveUpper = anchor.Date+1, true
		}
		if prevNote != nil {
			prevAnchor, err := sortAnchor(q.Sort, *prevNote)
			if err != nil {
				return nil, 0, err
			}
			if prevAnchor.Date == anchor.Date {
				if prevLimit <= 0 {
					return nil, 0, fmt.Errorf("%w: note %d", ErrMissingPreviousLimit, lastNote.ID)
				}
				effectiveLimit = limit + prevLimit
			}
		}
	}

	if q.To != 0 && (!haveUpper || q.To < upperBound) {
		upperBound, haveUpper = q.To, true
	}
	if !haveLower && q.From != 0 {
		lowerBound, haveLower = q.From, true
	}
	if haveUpper && !haveLower {
		lowerBound, haveLower = defaultLowerBound, true
	}

	params := url.Values{}
	if q.Q != "" {
		params.Set("q", q.Q)
	}
	if q.DisplayName != "" {
		params.Set("display_name", q.DisplayName)
	}
	if q.User != 0 {
		params.Set("user", strconv.FormatInt(q.User, 10))
	}
	params.Set("sort", string(q.Sort))
	params.Set("order", string(q.Order))
	params.Set("closed", strconv.Itoa(q.Closed))
	params.Set("limit", strconv.Itoa(effectiveLimit))
	if haveLower {
		params.Set("from", FormatAPIDate(lowerBound))
	}
	if haveUpper {
		params.Set("to", FormatAPIDate(upperBound))
	}

	return []Request{{Path: "notes/search.json", Params: params}}, effectiveLimit, nil
}

// PlanBboxRequest computes the single request a bbox query needs. Bbox mode
// has no pagination cursor.
func PlanBboxRequest(q BboxQuery, limit int) Request {
	params := url.Values{}
	params.Set("bbox", q.Bbox)
	params.Set("closed", strconv.Itoa(q.Closed))
	params.Set("limit", strconv.Itoa(limit))
	return Request{Path: "notes.json", Params: params}
}

// PlanIdsRequests computes up to limit single-note requests starting at
// nextIndex into the query's id list. The caller resumes by advancing
// nextIndex past the last attempted id.
func PlanIdsRequests(q IdsQuery, nextIndex, limit int) []Request {
	if nextIndex < 0 || nextIndex >= len(q.IDs) {
		return nil
	}
	end := nextIndex + limit
	if end > len(q.IDs) {
		end = len(q.IDs)
	}
	requests := make([]Request, 0, end-nextIndex)
	for _, id := range q.IDs[nextIndex:end] {
		requests = append(requests, Request{
			Path:   fmt.Sprintf("notes/%d.json", id),
			Params: url.Values{},
		})
	}
	return requests
}

// FormatAPIDate renders epoch seconds in the date form the API accepts.
func FormatAPIDate(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format("2006-01-02T15:04:05Z")
}
