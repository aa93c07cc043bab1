package osmnotes

import (
	"errors"
	"fmt"
)

// Status enumerates the lifecycle states a note can be in on the server.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
	StatusHidden Status = "hidden"
)

// Action enumerates the state transitions recorded in a note's history.
type Action string

const (
	ActionOpened    Action = "opened"
	ActionClosed    Action = "closed"
	ActionReopened  Action = "reopened"
	ActionCommented Action = "commented"
	ActionHidden    Action = "hidden"
)

var (
	// ErrInvalidNoteID indicates a non-positive note identifier.
	ErrInvalidNoteID = errors.New("osmnotes: invalid note id")
	// ErrNoComments indicates a note whose comment list is empty where at
	// least the opening comment is required.
	ErrNoComments = errors.New("osmnotes: note has no comments")
)

// Comment is one entry in a note's history. Date is in epoch seconds; a zero
// Date means the timestamp could not be determined. UID is zero for anonymous
// comments. Guessed marks comments synthesized locally rather than reported
// by the server.
type Comment struct {
	Date    int64  `json:"date"`
	Action  Action `json:"action"`
	Text    string `json:"text"`
	UID     int64  `json:"uid,omitempty"`
	Guessed bool   `json:"guessed,omitempty"`
}

// Note is a snapshot of one OSM note: identity, position, status and the
// ordered comment history starting with its opening comment.
type Note struct {
	ID       int64     `json:"id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Status   Status    `json:"status"`
	Comments []Comment `json:"comments"`
}

// OpeningComment returns the note's first comment.
func (n Note) OpeningComment() (Comment, error) {
	if len(n.Comments) == 0 {
		return Comment{}, fmt.Errorf("%w: note %d", ErrNoComments, n.ID)
	}
	return n.Comments[0], nil
}

// LatestComment returns the note's last comment.
func (n Note) LatestComment() (Comment, error) {
	if len(n.Comments) == 0 {
		return Comment{}, fmt.Errorf("%w: note %d", ErrNoComments, n.ID)
	}
	return n.Comments[len(n.Comments)-1], nil
}
