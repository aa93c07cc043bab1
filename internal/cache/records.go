package cache

import (
	"encoding/json"

	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/osmnotes"
	"gorm.io/gorm"
)

// FetchRecord is one saved query execution. Timestamp is the primary key in
// epoch milliseconds; QueryString is the query's canonical serialized form
// and is unique across live fetches.
type FetchRecord struct {
	Timestamp       int64  `gorm:"column:timestamp;primaryKey"`
	QueryString     string `gorm:"column:query_string;size:2048;not null;uniqueIndex:idx_fetches_query"`
	WriteTimestamp  int64  `gorm:"column:write_timestamp;not null"`
	AccessTimestamp int64  `gorm:"column:access_timestamp;not null;index:idx_fetches_access"`
}

// TableName provides the explicit table binding for GORM.
func (FetchRecord) TableName() string {
	return "fetches"
}

// NoteRecord stores one note snapshot owned by a fetch. Identity is the
// compound key (FetchTimestamp, NoteID); (FetchTimestamp, SequenceNumber) is
// the secondary ordering key used when restoring a fetch's notes.
type NoteRecord struct {
	FetchTimestamp int64  `gorm:"column:fetch_timestamp;primaryKey;index:idx_notes_fetch_seq,priority:1"`
	NoteID         int64  `gorm:"column:note_id;primaryKey"`
	SequenceNumber int64  `gorm:"column:sequence_number;not null;index:idx_notes_fetch_seq,priority:2"`
	NoteJSON       string `gorm:"column:note_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRecord) TableName() string {
	return "fetch_notes"
}

// UserRecord stores one fetch-scoped user id to name mapping.
type UserRecord struct {
	FetchTimestamp int64  `gorm:"column:fetch_timestamp;primaryKey"`
	UserID         int64  `gorm:"column:user_id;primaryKey"`
	Name           string `gorm:"column:name;size:255;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserRecord) TableName() string {
	return "fetch_users"
}

func newNoteRecord(fetchTimestamp, sequenceNumber int64, note osmnotes.Note) (NoteRecord, error) {
	payload, err := json.Marshal(note)
	if err != nil {
		return NoteRecord{}, err
	}
	return NoteRecord{
		FetchTimestamp: fetchTimestamp,
		NoteID:         note.ID,
		SequenceNumber: sequenceNumber,
		NoteJSON:       string(payload),
	}, nil
}

func (r NoteRecord) decode() (osmnotes.Note, error) {
	var note osmnotes.Note
	if err := json.Unmarshal([]byte(r.NoteJSON), &note); err != nil {
		return osmnotes.Note{}, err
	}
	return note, nil
}

// fetchScope selects every record of the given collection belonging to one
// fetch: the compound-key range with the first component pinned to the
// fetch's timestamp and the second spanning its full domain.
func fetchScope(tx *gorm.DB, fetchTimestamp int64) *gorm.DB {
	return tx.Where("fetch_timestamp = ?", fetchTimestamp)
}
