// Package osmnotes models OSM notes and converts the API's GeoJSON note
// payloads into the shapes the rest of the application works with.
package osmnotes

import (
	"regexp"
	"strconv"
	"time"
)

// FeatureGeometry carries a note's point location as [lon, lat].
type FeatureGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// FeatureComment is one raw comment as delivered by the API.
type FeatureComment struct {
	Date   string `json:"date"`
	Action string `json:"action"`
	Text   string `json:"text"`
	UID    int64  `json:"uid,omitempty"`
	User   string `json:"user,omitempty"`
}

// FeatureProperties carries the note payload of a GeoJSON feature.
type FeatureProperties struct {
	ID          int64            `json:"id"`
	Status      string           `json:"status"`
	DateCreated string           `json:"date_created"`
	Comments    []FeatureComment `json:"comments"`
}

// Feature is a single note as returned by the API.
type Feature struct {
	Type       string             `json:"type"`
	Geometry   *FeatureGeometry   `json:"geometry"`
	Properties *FeatureProperties `json:"properties"`
}

// FeatureCollection is the API's container for note query results.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// IsNoteFeature reports whether a decoded feature has the shape required to
// be transformed into a Note. Transform functions assume this has been
// checked and do not re-validate.
func IsNoteFeature(f Feature) bool {
	if f.Type != "Feature" {
		return false
	}
	if f.Geometry == nil || len(f.Geometry.Coordinates) < 2 {
		return false
	}
	return f.Properties != nil
}

// IsNoteFeatureCollection reports whether a decoded collection and all of its
// features have the expected shape.
func IsNoteFeatureCollection(fc FeatureCollection) bool {
	if fc.Type != "FeatureCollection" {
		return false
	}
	for _, f := range fc.Features {
		if !IsNoteFeature(f) {
			return false
		}
	}
	return true
}

// FromFeatureCollection transforms a validated feature collection into notes
// plus the id→name mapping of every named comment author encountered.
func FromFeatureCollection(fc FeatureCollection) ([]Note, map[int64]string) {
	notes := make([]Note, 0, len(fc.Features))
	users := make(map[int64]string)
	for _, f := range fc.Features {
		notes = append(notes, noteFromFeature(f, users))
	}
	return notes, users
}

// FromFeature transforms a single validated feature, returning the note and
// the users seen in its comments.
func FromFeature(f Feature) (Note, map[int64]string) {
	users := make(map[int64]string)
	return noteFromFeature(f, users), users
}

func noteFromFeature(f Feature, users map[int64]string) Note {
	props := f.Properties
	comments := make([]Comment, 0, len(props.Comments)+1)
	for _, fc := range props.Comments {
		if fc.UID != 0 && fc.User != "" {
			users[fc.UID] = fc.User
		}
		comments = append(comments, Comment{
			Date:   ParseNoteDate(fc.Date),
			Action: Action(fc.Action),
			Text:   fc.Text,
			UID:    fc.UID,
		})
	}
	if len(comments) == 0 || comments[0].Action != ActionOpened {
		opening := Comment{
			Date:    ParseNoteDate(props.DateCreated),
			Action:  ActionOpened,
			Text:    "",
			Guessed: true,
		}
		comments = append([]Comment{opening}, comments...)
	}
	return Note{
		ID:       props.ID,
		Lat:      f.Geometry.Coordinates[1],
		Lon:      f.Geometry.Coordinates[0],
		Status:   Status(props.Status),
		Comments: comments,
	}
}

var noteDatePattern = regexp.MustCompile(`^(\d\d\d\d)-(\d\d)-(\d\d)[ T](\d\d):(\d\d):(\d\d)`)

// ParseNoteDate converts an API date string of the form
// "YYYY-MM-DD HH:MM:SS" (space- or T-separated, any trailing zone suffix
// ignored) into UTC epoch seconds. Malformed input yields 0, which readers
// treat as "unknown time"; this mirrors the upstream data contract and is
// deliberately not reported as an error.
func ParseNoteDate(value string) int64 {
	match := noteDatePattern.FindStringSubmatch(value)
	if match == nil {
		return 0
	}
	fields := make([]int, 6)
	for i := range fields {
		n, err := strconv.Atoi(match[i+1])
		if err != nil {
			return 0
		}
		fields[i] = n
	}
	t := time.Date(fields[0], time.Month(fields[1]), fields[2], fields[3], fields[4], fields[5], 0, time.UTC)
	return t.Unix()
}
