package query

import (
	"reflect"
	"testing"
)

func TestSearchQueryStringRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		q    SearchQuery
	}{
		{
			name: "defaults",
			q:    SearchQuery{Sort: SortCreatedAt, Order: OrderNewest, Closed: -1},
		},
		{
			name: "display name",
			q:    SearchQuery{DisplayName: "alice", Sort: SortCreatedAt, Order: OrderNewest, Closed: -1},
		},
		{
			name: "all fields",
			q: SearchQuery{
				DisplayName: "map fixer",
				User:        42,
				Q:           "broken crossing",
				Sort:        SortUpdatedAt,
				Order:       OrderOldest,
				Closed:      7,
				From:        1577836800,
				To:          1609459200,
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			serialized := test.q.QueryString()
			parsed, err := ParseQueryString(serialized)
			if err != nil {
				t.Fatalf("parse failed for %q: %v", serialized, err)
			}
			if !reflect.DeepEqual(parsed, test.q) {
				t.Fatalf("round trip mismatch:\nserialized %q\ngot  %+v\nwant %+v", serialized, parsed, test.q)
			}
			if parsed.QueryString() != serialized {
				t.Fatalf("reserialization differs: %q vs %q", parsed.QueryString(), serialized)
			}
		})
	}
}

func TestBboxQueryStringRoundTrip(t *testing.T) {
	q := BboxQuery{Bbox: "30.4,50.3,30.7,50.5", Closed: -1}
	parsed, err := ParseQueryString(q.QueryString())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !reflect.DeepEqual(parsed, q) {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, q)
	}
}

func TestIdsQueryStringRoundTrip(t *testing.T) {
	q := IdsQuery{IDs: []int64{7, 19, 101}}
	serialized := q.QueryString()
	if serialized != "ids=7.19.101" {
		t.Fatalf("unexpected serialization %q", serialized)
	}
	parsed, err := ParseQueryString(serialized)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !reflect.DeepEqual(parsed, q) {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, q)
	}
}

func TestQueryStringIsByteStable(t *testing.T) {
	q := SearchQuery{DisplayName: "alice", Sort: SortCreatedAt, Order: OrderNewest, Closed: -1}
	first := q.QueryString()
	for i := 0; i < 10; i++ {
		if q.QueryString() != first {
			t.Fatalf("serialization is not deterministic")
		}
	}
	if first != "display_name=alice&sort=created_at&order=newest&closed=-1" {
		t.Fatalf("unexpected canonical form %q", first)
	}
}

func TestParseQueryStringRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "bad ids", input: "ids=1.x.3"},
		{name: "negative id", input: "ids=-5"},
		{name: "empty bbox", input: "bbox="},
		{name: "bad sort", input: "sort=size"},
		{name: "bad order", input: "order=sideways"},
		{name: "bad closed", input: "closed=maybe"},
		{name: "bad from", input: "from=lastweek"},
		{name: "bad user", input: "user=alice"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := ParseQueryString(test.input); err == nil {
				t.Fatalf("expected parse error for %q", test.input)
			}
		})
	}
}

func TestQueryStringFillsDefaultSortAndOrder(t *testing.T) {
	q := SearchQuery{DisplayName: "alice", Closed: -1}
	serialized := q.QueryString()
	want := "display_name=alice&sort=created_at&order=newest&closed=-1"
	if serialized != want {
		t.Fatalf("zero sort and order must serialize as defaults:\n got %q\nwant %q", serialized, want)
	}

	parsed, err := ParseQueryString(serialized)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	back, ok := parsed.(SearchQuery)
	if !ok {
		t.Fatalf("expected search query, got %T", parsed)
	}
	if back.Sort != SortCreatedAt || back.Order != OrderNewest {
		t.Fatalf("parsed query must carry the defaults, got %+v", back)
	}
	if back.QueryString() != serialized {
		t.Fatalf("fetch identity must be stable across a round trip")
	}
}
