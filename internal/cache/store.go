// Package cache persists fetched note batches so queries can be browsed
// offline and refreshed incrementally. The store is the sole mutator of the
// persisted records; every public operation runs in one transaction and is
// safe against concurrent writers sharing the same database file.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/osmnotes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FetchRetentionMillis is how long a fetch's data is kept, measured from the
// fetch's creation timestamp against the ambient clock.
const FetchRetentionMillis int64 = 24 * 60 * 60 * 1000

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrStoreStale indicates the store handle was invalidated by a schema
	// version change elsewhere; the only recovery is reopening the
	// application.
	ErrStoreStale = errors.New("cache: store is stale, reload required")
	// ErrFetchGone indicates the targeted fetch record was deleted
	// concurrently.
	ErrFetchGone = errors.New("cache: fetch no longer exists")
)

// StoreError wraps a failed store operation with a dotted operation.reason
// code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew       = "cache.store.new"
	opListFetches    = "cache.list_fetches"
	opDeleteFetch    = "cache.delete_fetch"
	opClearFetchData = "cache.get_fetch_cleared"
	opRestoreFetch   = "cache.get_fetch_restored"
	opAddData        = "cache.add_data"
	opUpdateData     = "cache.update_data"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the dependencies a Store needs.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store owns the persisted fetch, note and user records.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	stale  atomic.Bool
}

// NewStore constructs a store over an opened database.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// MarkStale invalidates the store. Every subsequent operation fails with
// ErrStoreStale without touching the database. Hosts wire this to their
// storage engine's schema-change notification.
func (s *Store) MarkStale() {
	s.stale.Store(true)
	s.logger.Warn("store marked stale, all further operations will fail")
}

func (s *Store) guard(operation string) error {
	if s.stale.Load() {
		return newStoreError(operation, "stale", ErrStoreStale)
	}
	return nil
}

// AddOutcome is the result of AddDataToFetch. Exactly one of three shapes:
// the write was applied (Fetch set, conflict fields nil); another writer won
// (Fetch set, ConflictNotes/ConflictUsers hold the authoritative persisted
// snapshot); or the fetch was deleted concurrently (Fetch nil).
type AddOutcome struct {
	Fetch         *FetchRecord
	ConflictNotes []osmnotes.Note
	ConflictUsers map[int64]string
}

// Gone reports that the fetch no longer exists and nothing was written.
func (o AddOutcome) Gone() bool {
	return o.Fetch == nil
}

// Conflicted reports that the write was aborted in favor of a newer writer.
func (o AddOutcome) Conflicted() bool {
	return o.Fetch != nil && o.ConflictNotes != nil
}

// ListFetches returns all fetch records ordered by access time, oldest
// first.
func (s *Store) ListFetches(ctx context.Context) ([]FetchRecord, error) {
	if err := s.guard(opListFetches); err != nil {
		return nil, err
	}
	var fetches []FetchRecord
	if err := s.db.WithContext(ctx).Order("access_timestamp").Find(&fetches).Error; err != nil {
		s.logError(opListFetches, "query_failed", err)
		return nil, newStoreError(opListFetches, "query_failed", err)
	}
	return fetches, nil
}

// DeleteFetch removes the fetch record and every note and user it owns.
// Deleting an already-deleted fetch is a no-op.
func (s *Store) DeleteFetch(ctx context.Context, fetch FetchRecord) error {
	if err := s.guard(opDeleteFetch); err != nil {
		return err
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteFetchData(tx, fetch.Timestamp, true)
	})
	if txErr != nil {
		s.logError(opDeleteFetch, "transaction_failed", txErr, zap.Int64("fetch", fetch.Timestamp))
		return newStoreError(opDeleteFetch, "transaction_failed", txErr)
	}
	return nil
}

// GetFetchWithClearedData returns a fresh fetch for the query string: an
// existing fetch's data is deleted and its record reset with all timestamps
// set to now, otherwise a new record is created. Fetches past their
// retention window are cleaned up in the same transaction.
func (s *Store) GetFetchWithClearedData(ctx context.Context, now int64, queryString string) (FetchRecord, error) {
	if err := s.guard(opClearFetchData); err != nil {
		return FetchRecord{}, err
	}
	fetch := FetchRecord{
		Timestamp:       now,
		QueryString:     queryString,
		WriteTimestamp:  now,
		AccessTimestamp: now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := cleanupExpiredFetches(tx, now); err != nil {
			return err
		}
		existing, found, err := findFetchByQuery(tx, queryString)
		if err != nil {
			return err
		}
		if found {
			if err := deleteFetchData(tx, existing.Timestamp, true); err != nil {
				return err
			}
		}
		return tx.Create(&fetch).Error
	})
	if txErr != nil {
		s.logError(opClearFetchData, "transaction_failed", txErr, zap.String("query", queryString))
		return FetchRecord{}, newStoreError(opClearFetchData, "transaction_failed", txErr)
	}
	return fetch, nil
}

// GetFetchWithRestoredData returns the fetch for the query string together
// with all of its cached notes (in sequence order) and users. A missing
// fetch is created empty. Expired fetches are cleaned up in the same
// transaction.
func (s *Store) GetFetchWithRestoredData(ctx context.Context, now int64, queryString string) (FetchRecord, []osmnotes.Note, map[int64]string, error) {
	if err := s.guard(opRestoreFetch); err != nil {
		return FetchRecord{}, nil, nil, err
	}
	var (
		fetch FetchRecord
		notes []osmnotes.Note
		users map[int64]string
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := cleanupExpiredFetches(tx, now); err != nil {
			return err
		}
		existing, found, err := findFetchByQuery(tx, queryString)
		if err != nil {
			return err
		}
		if !found {
			fetch = FetchRecord{
				Timestamp:       now,
				QueryString:     queryString,
				WriteTimestamp:  now,
				AccessTimestamp: now,
			}
			notes = []osmnotes.Note{}
			users = map[int64]string{}
			return tx.Create(&fetch).Error
		}
		existing.AccessTimestamp = now
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		fetch = existing
		notes, users, err = readFetchData(tx, existing.Timestamp)
		return err
	})
	if txErr != nil {
		s.logError(opRestoreFetch, "transaction_failed", txErr, zap.String("query", queryString))
		return FetchRecord{}, nil, nil, newStoreError(opRestoreFetch, "transaction_failed", txErr)
	}
	return fetch, notes, users, nil
}

// AddDataToFetch appends a downloaded batch to the fetch. The caller's fetch
// record carries the writeTimestamp it last observed; if another writer has
// persisted a newer one, nothing is appended and the outcome carries the
// authoritative snapshot so the caller can resynchronize. If the fetch was
// deleted concurrently the outcome reports it gone and nothing is written.
func (s *Store) AddDataToFetch(ctx context.Context, now int64, fetch FetchRecord, newNotes []osmnotes.Note, newUsers map[int64]string) (AddOutcome, error) {
	if err := s.guard(opAddData); err != nil {
		return AddOutcome{}, err
	}
	var outcome AddOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var persisted FetchRecord
		err := tx.Where("timestamp = ?", fetch.Timestamp).Take(&persisted).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = AddOutcome{}
			return nil
		}
		if err != nil {
			return err
		}

		if persisted.WriteTimestamp > fetch.WriteTimestamp {
			persisted.AccessTimestamp = now
			if err := tx.Save(&persisted).Error; err != nil {
				return err
			}
			notes, users, err := readFetchData(tx, persisted.Timestamp)
			if err != nil {
				return err
			}
			if notes == nil {
				notes = []osmnotes.Note{}
			}
			outcome = AddOutcome{Fetch: &persisted, ConflictNotes: notes, ConflictUsers: users}
			return nil
		}

		persisted.WriteTimestamp = now
		persisted.AccessTimestamp = now
		if err := tx.Save(&persisted).Error; err != nil {
			return err
		}

		sequence, err := maxSequenceNumber(tx, persisted.Timestamp)
		if err != nil {
			return err
		}
		for _, note := range newNotes {
			var existing NoteRecord
			err := tx.Where("fetch_timestamp = ? AND note_id = ?", persisted.Timestamp, note.ID).
				Take(&existing).Error
			if err == nil {
				// Re-fetched note: overwrite content, keep its place in the
				// sequence.
				record, recErr := newNoteRecord(persisted.Timestamp, existing.SequenceNumber, note)
				if recErr != nil {
					return recErr
				}
				if err := tx.Save(&record).Error; err != nil {
					return err
				}
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			sequence++
			record, recErr := newNoteRecord(persisted.Timestamp, sequence, note)
			if recErr != nil {
				return recErr
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		if err := upsertUsers(tx, persisted.Timestamp, newUsers); err != nil {
			return err
		}
		outcome = AddOutcome{Fetch: &persisted}
		return nil
	})
	if txErr != nil {
		s.logError(opAddData, "transaction_failed", txErr, zap.Int64("fetch", fetch.Timestamp))
		return AddOutcome{}, newStoreError(opAddData, "transaction_failed", txErr)
	}
	return outcome, nil
}

// UpdateDataInFetch overwrites one note in place, preserving its sequence
// number, and upserts the supplied users. Only the fetch's accessTimestamp is
// bumped: single-note refreshes are idempotent by note id and deliberately
// stay outside the batch conflict protocol.
func (s *Store) UpdateDataInFetch(ctx context.Context, now int64, fetch FetchRecord, note osmnotes.Note, newUsers map[int64]string) error {
	if err := s.guard(opUpdateData); err != nil {
		return err
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var persisted FetchRecord
		err := tx.Where("timestamp = ?", fetch.Timestamp).Take(&persisted).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFetchGone
		}
		if err != nil {
			return err
		}
		persisted.AccessTimestamp = now
		if err := tx.Save(&persisted).Error; err != nil {
			return err
		}

		sequence := int64(0)
		var existing NoteRecord
		err = tx.Where("fetch_timestamp = ? AND note_id = ?", persisted.Timestamp, note.ID).
			Take(&existing).Error
		if err == nil {
			sequence = existing.SequenceNumber
		} else if errors.Is(err, gorm.ErrRecordNotFound) {
			sequence, err = maxSequenceNumber(tx, persisted.Timestamp)
			if err != nil {
				return err
			}
			sequence++
		} else {
			return err
		}
		record, err := newNoteRecord(persisted.Timestamp, sequence, note)
		if err != nil {
			return err
		}
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		return upsertUsers(tx, persisted.Timestamp, newUsers)
	})
	if txErr != nil {
		s.logError(opUpdateData, "transaction_failed", txErr,
			zap.Int64("fetch", fetch.Timestamp), zap.Int64("note", note.ID))
		return newStoreError(opUpdateData, "transaction_failed", txErr)
	}
	return nil
}

func findFetchByQuery(tx *gorm.DB, queryString string) (FetchRecord, bool, error) {
	var fetch FetchRecord
	err := tx.Where("query_string = ?", queryString).Take(&fetch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FetchRecord{}, false, nil
	}
	if err != nil {
		return FetchRecord{}, false, err
	}
	return fetch, true, nil
}

func deleteFetchData(tx *gorm.DB, fetchTimestamp int64, includeRecord bool) error {
	if err := fetchScope(tx, fetchTimestamp).Delete(&NoteRecord{}).Error; err != nil {
		return err
	}
	if err := fetchScope(tx, fetchTimestamp).Delete(&UserRecord{}).Error; err != nil {
		return err
	}
	if !includeRecord {
		return nil
	}
	return tx.Where("timestamp = ?", fetchTimestamp).Delete(&FetchRecord{}).Error
}

func cleanupExpiredFetches(tx *gorm.DB, now int64) error {
	var expired []FetchRecord
	if err := tx.Where("timestamp < ?", now-FetchRetentionMillis).Find(&expired).Error; err != nil {
		return err
	}
	for _, fetch := range expired {
		if err := deleteFetchData(tx, fetch.Timestamp, true); err != nil {
			return err
		}
	}
	return nil
}

func readFetchData(tx *gorm.DB, fetchTimestamp int64) ([]osmnotes.Note, map[int64]string, error) {
	var noteRecords []NoteRecord
	if err := fetchScope(tx, fetchTimestamp).Order("sequence_number").Find(&noteRecords).Error; err != nil {
		return nil, nil, err
	}
	notes := make([]osmnotes.Note, 0, len(noteRecords))
	for _, record := range noteRecords {
		note, err := record.decode()
		if err != nil {
			return nil, nil, err
		}
		notes = append(notes, note)
	}
	var userRecords []UserRecord
	if err := fetchScope(tx, fetchTimestamp).Find(&userRecords).Error; err != nil {
		return nil, nil, err
	}
	users := make(map[int64]string, len(userRecords))
	for _, record := range userRecords {
		users[record.UserID] = record.Name
	}
	return notes, users, nil
}

func maxSequenceNumber(tx *gorm.DB, fetchTimestamp int64) (int64, error) {
	var top NoteRecord
	err := fetchScope(tx, fetchTimestamp).Order("sequence_number DESC").Take(&top).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return top.SequenceNumber, nil
}

func upsertUsers(tx *gorm.DB, fetchTimestamp int64, users map[int64]string) error {
	for id, name := range users {
		if name == "" {
			continue
		}
		record := UserRecord{FetchTimestamp: fetchTimestamp, UserID: id, Name: name}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fetch_timestamp"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Create(&record).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("note cache error", attrs...)
}
