package query

import (
	"errors"
	"testing"

	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/osmnotes"
)

func openedNote(id, openedDate, latestDate int64) osmnotes.Note {
	comments := []osmnotes.Comment{{Date: openedDate, Action: osmnotes.ActionOpened}}
	if latestDate != openedDate {
		comments = append(comments, osmnotes.Comment{Date: latestDate, Action: osmnotes.ActionCommented})
	}
	return osmnotes.Note{ID: id, Status: osmnotes.StatusOpen, Comments: comments}
}

func TestPlanSearchRequestFirstCycle(t *testing.T) {
	q := SearchQuery{DisplayName: "alice", Sort: SortCreatedAt, Order: OrderNewest, Closed: -1}

	requests, limit, err := PlanSearchRequest(q, 20, nil, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != 20 {
		t.Fatalf("expected nominal limit 20, got %d", limit)
	}
	if len(requests) != 1 {
		t.Fatalf("expected one request, got %d", len(requests))
	}
	request := requests[0]
	if request.Path != "notes/search.json" {
		t.Fatalf("unexpected path %q", request.Path)
	}
	if request.Params.Get("display_name") != "alice" {
		t.Fatalf("missing display_name parameter")
	}
	if request.Params.Get("limit") != "20" {
		t.Fatalf("unexpected limit parameter %q", request.Params.Get("limit"))
	}
	if request.Params.Has("from") || request.Params.Has("to") {
		t.Fatalf("first cycle must not have date bounds: %v", request.Params)
	}
}

func TestPlanSearchRequestNewestFirstShiftsUpperBound(t *testing.T) {
	q := SearchQuery{Sort: SortCreatedAt, Order: OrderNewest, Closed: -1}
	last := openedNote(1, 1577836800, 1577836800)

	requests, _, err := PlanSearchRequest(q, 20, &last, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Anchor date plus one second, so unseen notes sharing the anchor's
	// timestamp stay in range.
	if got := requests[0].Params.Get("to"); got != "2020-01-01T00:00:01Z" {
		t.Fatalf("unexpected to bound %q", got)
	}
	// Upper bound without lower gets the fixed epoch floor.
	if got := requests[0].Params.Get("from"); got != "2001-01-01T00:00:00Z" {
		t.Fatalf("unexpected from bound %q", got)
	}
}

func TestPlanSearchRequestOldestFirstShiftsLowerBound(t *testing.T) {
	q := SearchQuery{Sort: SortCreatedAt, Order: OrderOldest, Closed: -1}
	last := openedNote(1, 1577836800, 1577836800)

	requests, _, err := PlanSearchRequest(q, 20, &last, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := requests[0].Params.Get("from"); got != "2020-01-01T00:00:00Z" {
		t.Fatalf("unexpected from bound %q", got)
	}
	if requests[0].Params.Has("to") {
		t.Fatalf("oldest-first continuation must not set an upper bound")
	}
}

func TestPlanSearchRequestUpdatedAtUsesLatestComment(t *testing.T) {
	q := SearchQuery{Sort: SortUpdatedAt, Order: OrderNewest, Closed: -1}
	last := openedNote(1, 1577836800, 1580000000)

	requests, _, err := PlanSearchRequest(q, 20, &last, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := requests[0].Params.Get("to"); got != FormatAPIDate(1580000001) {
		t.Fatalf("expected latest-comment anchor, got to=%q", got)
	}
}

func TestPlanSearchRequestGrowsLimitOnDuplicateTimestamps(t *testing.T) {
	q := SearchQuery{DisplayName: "alice", Sort: SortCreatedAt, Order: OrderNewest, Closed: -1}
	last := openedNote(2, 1577836800, 1577836800)
	prev := openedNote(1, 1577836800, 1577836800)

	_, limit, err := PlanSearchRequest(q, 20, &last, &prev, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit <= 20 {
		t.Fatalf("duplicate anchors must grow the limit beyond 20, got %d", limit)
	}
	if limit != 40 {
		t.Fatalf("expected limit 40 (20+20), got %d", limit)
	}
}

func TestPlanSearchRequestKeepsLimitOnDistinctTimestamps(t *testing.T) {
	q := SearchQuery{Sort: SortCreatedAt, Order: OrderNewest, Closed: -1}
	last := openedNote(2, 1577836900, 1577836900)
	prev := openedNote(1, 1577836800, 1577836800)

	_, limit, err := PlanSearchRequest(q, 20, &last, &prev, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != 20 {
		t.Fatalf("expected nominal limit 20, got %d", limit)
	}
}

func TestPlanSearchRequestRequiresPreviousLimit(t *testing.T) {
	q := SearchQuery{Sort: SortCreatedAt, Order: OrderNewest, Closed: -1}
	last := openedNote(2, 1577836800, 1577836800)
	prev := openedNote(1, 1577836800, 1577836800)

	_, _, err := PlanSearchRequest(q, 20, &last, &prev, 0)
	if !errors.Is(err, ErrMissingPreviousLimit) {
		t.Fatalf("expected ErrMissingPreviousLimit, got %v", err)
	}
}

func TestPlanSearchRequestFailsOnNoteWithoutComments(t *testing.T) {
	q := SearchQuery{Sort: SortCreatedAt, Order: OrderNewest, Closed: -1}
	last := osmnotes.Note{ID: 5}

	_, _, err := PlanSearchRequest(q, 20, &last, nil, 0)
	if !errors.Is(err, osmnotes.ErrNoComments) {
		t.Fatalf("expected ErrNoComments, got %v", err)
	}
}

func TestPlanSearchRequestClampsWithQueryBounds(t *testing.T) {
	q := SearchQuery{Sort: SortCreatedAt, Order: OrderNewest, Closed: -1, From: 1500000000, To: 1577836000}
	last := openedNote(1, 1577836800, 1577836800)

	requests, _, err := PlanSearchRequest(q, 20, &last, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Query's own to is tighter than the computed anchor bound.
	if got := requests[0].Params.Get("to"); got != FormatAPIDate(1577836000) {
		t.Fatalf("expected query to-bound to win, got %q", got)
	}
	// The computed path did not set a lower bound, so the query's from
	// applies.
	if got := requests[0].Params.Get("from"); got != FormatAPIDate(1500000000) {
		t.Fatalf("expected query from-bound, got %q", got)
	}
}

func TestPlanSearchRequestDoesNotOverrideComputedLowerBound(t *testing.T) {
	q := SearchQuery{Sort: SortCreatedAt, Order: OrderOldest, Closed: -1, From: 1500000000}
	last := openedNote(1, 1577836800, 1577836800)

	requests, _, err := PlanSearchRequest(q, 20, &last, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := requests[0].Params.Get("from"); got != FormatAPIDate(1577836800) {
		t.Fatalf("computed cursor bound must win over the query's from, got %q", got)
	}
}

func TestPlanBboxRequest(t *testing.T) {
	request := PlanBboxRequest(BboxQuery{Bbox: "1,2,3,4", Closed: 7}, 50)
	if request.Path != "notes.json" {
		t.Fatalf("unexpected path %q", request.Path)
	}
	if request.Params.Get("bbox") != "1,2,3,4" || request.Params.Get("closed") != "7" {
		t.Fatalf("unexpected params %v", request.Params)
	}
	if request.Params.Get("limit") != "50" {
		t.Fatalf("unexpected limit %q", request.Params.Get("limit"))
	}
}

func TestPlanIdsRequests(t *testing.T) {
	q := IdsQuery{IDs: []int64{10, 20, 30, 40}}

	requests := PlanIdsRequests(q, 1, 2)
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	if requests[0].Path != "notes/20.json" || requests[1].Path != "notes/30.json" {
		t.Fatalf("unexpected paths %q, %q", requests[0].Path, requests[1].Path)
	}

	if got := PlanIdsRequests(q, 4, 2); got != nil {
		t.Fatalf("expected no requests past the end, got %v", got)
	}
	if got := PlanIdsRequests(q, 3, 10); len(got) != 1 {
		t.Fatalf("expected tail to be clamped to 1 request, got %d", len(got))
	}
}
