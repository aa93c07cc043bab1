// Package query describes note queries, their persisted string form, and the
// planning of API requests that answer them.
//
// The serialized query string is a persisted contract: it is the identity of
// a cached fetch, so serialization is byte-stable (fixed field order, no
// mode-irrelevant fields).
package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Mode distinguishes the three kinds of note queries the API supports.
type Mode string

const (
	ModeSearch Mode = "search"
	ModeBbox   Mode = "bbox"
	ModeIds    Mode = "ids"
)

// Sort selects which comment anchors pagination: the note's opening comment
// or its latest one.
type Sort string

const (
	SortCreatedAt Sort = "created_at"
	SortUpdatedAt Sort = "updated_at"
)

// Order selects the traversal direction of a search query.
type Order string

const (
	OrderNewest Order = "newest"
	OrderOldest Order = "oldest"
)

// ErrInvalidQueryString indicates a persisted query string that cannot be
// parsed back into a query.
var ErrInvalidQueryString = errors.New("query: invalid query string")

// Query is one of SearchQuery, BboxQuery or IdsQuery.
type Query interface {
	Mode() Mode
	// QueryString returns the canonical persisted form. Two queries are the
	// same cached fetch exactly when their query strings are byte-identical.
	QueryString() string
}

// SearchQuery filters notes by text, author and date range.
type SearchQuery struct {
	DisplayName string
	User        int64
	Q           string
	Sort        Sort
	Order       Order
	Closed      int
	From        int64 // epoch seconds, 0 = unset
	To          int64 // epoch seconds, 0 = unset
}

func (q SearchQuery) Mode() Mode { return ModeSearch }

// withDefaults fills empty sort and order so hand-constructed queries
// serialize to the same canonical form ParseQueryString produces.
func (q SearchQuery) withDefaults() SearchQuery {
	if q.Sort == "" {
		q.Sort = SortCreatedAt
	}
	if q.Order == "" {
		q.Order = OrderNewest
	}
	return q
}

func (q SearchQuery) QueryString() string {
	q = q.withDefaults()
	var pairs []string
	add := func(key, value string) {
		pairs = append(pairs, key+"="+url.QueryEscape(value))
	}
	if q.Q != "" {
		add("q", q.Q)
	}
	if q.DisplayName != "" {
		add("display_name", q.DisplayName)
	}
	if q.User != 0 {
		add("user", strconv.FormatInt(q.User, 10))
	}
	add("sort", string(q.Sort))
	add("order", string(q.Order))
	add("closed", strconv.Itoa(q.Closed))
	if q.From != 0 {
		add("from", strconv.FormatInt(q.From, 10))
	}
	if q.To != 0 {
		add("to", strconv.FormatInt(q.To, 10))
	}
	return strings.Join(pairs, "&")
}

// BboxQuery selects all notes inside one bounding box.
type BboxQuery struct {
	Bbox   string
	Closed int
}

func (q BboxQuery) Mode() Mode { return ModeBbox }

func (q BboxQuery) QueryString() string {
	return "bbox=" + url.QueryEscape(q.Bbox) + "&closed=" + strconv.Itoa(q.Closed)
}

// IdsQuery names an explicit sequence of note ids.
type IdsQuery struct {
	IDs []int64
}

func (q IdsQuery) Mode() Mode { return ModeIds }

func (q IdsQuery) QueryString() string {
	parts := make([]string, len(q.IDs))
	for i, id := range q.IDs {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "ids=" + strings.Join(parts, ".")
}

// ParseQueryString reconstructs a query from its persisted form. The mode is
// inferred from the fields present: ids, then bbox, then search.
func ParseQueryString(s string) (Query, error) {
	values, err := url.ParseQuery(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueryString, err)
	}
	switch {
	case values.Has("ids"):
		q, err := parseIdsQuery(values)
		if err != nil {
			return nil, err
		}
		return q, nil
	case values.Has("bbox"):
		q, err := parseBboxQuery(values)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		q, err := parseSearchQuery(values)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
}

func parseIdsQuery(values url.Values) (IdsQuery, error) {
	raw := values.Get("ids")
	if raw == "" {
		return IdsQuery{}, fmt.Errorf("%w: empty ids", ErrInvalidQueryString)
	}
	parts := strings.Split(raw, ".")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return IdsQuery{}, fmt.Errorf("%w: bad note id %q", ErrInvalidQueryString, part)
		}
		ids = append(ids, id)
	}
	return IdsQuery{IDs: ids}, nil
}

func parseBboxQuery(values url.Values) (BboxQuery, error) {
	q := BboxQuery{Bbox: values.Get("bbox"), Closed: -1}
	if q.Bbox == "" {
		return BboxQuery{}, fmt.Errorf("%w: empty bbox", ErrInvalidQueryString)
	}
	if values.Has("closed") {
		closed, err := strconv.Atoi(values.Get("closed"))
		if err != nil {
			return BboxQuery{}, fmt.Errorf("%w: bad closed value", ErrInvalidQueryString)
		}
		q.Closed = closed
	}
	return q, nil
}

func parseSearchQuery(values url.Values) (SearchQuery, error) {
	q := SearchQuery{
		Q:           values.Get("q"),
		DisplayName: values.Get("display_name"),
		Sort:        SortCreatedAt,
		Order:       OrderNewest,
		Closed:      -1,
	}
	if values.Has("user") {
		user, err := strconv.ParseInt(values.Get("user"), 10, 64)
		if err != nil {
			return SearchQuery{}, fmt.Errorf("%w: bad user id", ErrInvalidQueryString)
		}
		q.User = user
	}
	switch sort := values.Get("sort"); sort {
	case "", string(SortCreatedAt):
	case string(SortUpdatedAt):
		q.Sort = SortUpdatedAt
	default:
		return SearchQuery{}, fmt.Errorf("%w: bad sort %q", ErrInvalidQueryString, sort)
	}
	switch order := values.Get("order"); order {
	case "", string(OrderNewest):
	case string(OrderOldest):
		q.Order = OrderOldest
	default:
		return SearchQuery{}, fmt.Errorf("%w: bad order %q", ErrInvalidQueryString, order)
	}
	if values.Has("closed") {
		closed, err := strconv.Atoi(values.Get("closed"))
		if err != nil {
			return SearchQuery{}, fmt.Errorf("%w: bad closed value", ErrInvalidQueryString)
		}
		q.Closed = closed
	}
	for key, target := range map[string]*int64{"from": &q.From, "to": &q.To} {
		if !values.Has(key) {
			continue
		}
		bound, err := strconv.ParseInt(values.Get(key), 10, 64)
		if err != nil {
			return SearchQuery{}, fmt.Errorf("%w: bad %s value", ErrInvalidQueryString, key)
		}
		*target = bound
	}
	return q, nil
}
