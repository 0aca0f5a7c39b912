package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by Get when no record matches the given id.
var ErrNotFound = errors.New("ledger: record not found")

// ErrDuplicate is returned by Insert when id or save_path already exists.
var ErrDuplicate = errors.New("ledger: duplicate id or save_path")

// ErrIllegalTransition is returned by Update when the status change is not
// one of the edges in the section 3.2 state machine.
var ErrIllegalTransition = errors.New("ledger: illegal status transition")

// Store is the durable, single-file embedded relational store of section
// 4.B. Grounded on the teacher's internal/storage.Storage, rebuilt over its
// own Record schema instead of DownloadTask and without the teacher's
// inconsistent badger-backed internal/storage/db.go path (see DESIGN.md).
type Store struct {
	db *gorm.DB
}

// Open opens or creates the ledger database at path (typically
// <app_data_dir>/downloads.db per section 6.2) and runs the schema
// migration. Pass ":memory:" for an ephemeral in-process store, as the
// teacher's db_test.go does.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ledger: underlying sql.DB: %w", err)
	}
	// Serialize writers through a single connection; SQLite does not allow
	// concurrent writers and gorm's pool otherwise happily hands out more.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Record{}, &AppSetting{}); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Insert atomically creates record, failing with ErrDuplicate if id or
// save_path already exists. created_at and updated_at are stamped to now().
func (s *Store) Insert(record Record) (Record, error) {
	record.CreatedAt = now()
	record.UpdatedAt = record.CreatedAt
	if record.Status == "" {
		record.Status = StatusPending
	}

	var existing int64
	s.db.Model(&Record{}).Where("id = ? OR save_path = ?", record.ID, record.SavePath).Count(&existing)
	if existing > 0 {
		return Record{}, ErrDuplicate
	}

	if err := s.db.Create(&record).Error; err != nil {
		if isUniqueConstraintErr(err) {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("ledger: insert: %w", err)
	}
	return record, nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

// Update replaces record's mutable fields (everything but id and
// created_at), rejecting state transitions that violate section 3.2 and
// stamping updated_at (and completed_at, on transition to Completed).
func (s *Store) Update(record Record) error {
	current, err := s.Get(record.ID)
	if err != nil {
		return err
	}
	if !CanTransition(current.Status, record.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.Status, record.Status)
	}

	record.CreatedAt = current.CreatedAt
	record.UpdatedAt = now()
	if record.Status == StatusCompleted && current.Status != StatusCompleted {
		completedAt := record.UpdatedAt
		record.CompletedAt = &completedAt
	} else if record.CompletedAt == nil {
		record.CompletedAt = current.CompletedAt
	}

	res := s.db.Model(&Record{}).Where("id = ?", record.ID).Select("*").Updates(&record)
	if res.Error != nil {
		return fmt.Errorf("ledger: update: %w", res.Error)
	}
	return nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(id string) (Record, error) {
	var r Record
	err := s.db.Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("ledger: get: %w", err)
	}
	return r, nil
}

// ListAll returns every record ordered by created_at descending.
func (s *Store) ListAll() ([]Record, error) {
	var rs []Record
	if err := s.db.Order("created_at DESC").Find(&rs).Error; err != nil {
		return nil, fmt.Errorf("ledger: list_all: %w", err)
	}
	return rs, nil
}

// ListByStatus returns records in the given status ordered by updated_at
// descending.
func (s *Store) ListByStatus(status Status) ([]Record, error) {
	var rs []Record
	if err := s.db.Where("status = ?", status).Order("updated_at DESC").Find(&rs).Error; err != nil {
		return nil, fmt.Errorf("ledger: list_by_status: %w", err)
	}
	return rs, nil
}

// Search returns records whose filename or url contains query, case
// insensitively.
func (s *Store) Search(query string) ([]Record, error) {
	var rs []Record
	like := "%" + strings.ToLower(query) + "%"
	err := s.db.Where("LOWER(filename) LIKE ? OR LOWER(url) LIKE ?", like, like).
		Order("created_at DESC").Find(&rs).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: search: %w", err)
	}
	return rs, nil
}

// Delete removes the record only; the Transfer Engine is responsible for
// deleting the file on disk.
func (s *Store) Delete(id string) error {
	res := s.db.Where("id = ?", id).Delete(&Record{})
	if res.Error != nil {
		return fmt.Errorf("ledger: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeOlderThan deletes terminal records (default Completed and Cancelled)
// whose completed_at (or updated_at if completed_at is null) precedes the
// cutoff. statuses defaults to {Completed, Cancelled} when empty.
func (s *Store) PurgeOlderThan(days int, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusCompleted, StatusCancelled}
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	res := s.db.Where("status IN ?", statuses).
		Where("COALESCE(completed_at, updated_at) < ?", cutoff).
		Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("ledger: purge_older_than: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SetSetting upserts a single key/value row in app_settings.
func (s *Store) SetSetting(key, value string) error {
	row := AppSetting{Key: key, Value: value}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
}

// GetSetting returns the value for key, or "" with ok=false if unset.
func (s *Store) GetSetting(key string) (value string, ok bool) {
	var row AppSetting
	if err := s.db.Where("key = ?", key).First(&row).Error; err != nil {
		return "", false
	}
	return row.Value, true
}

// DefaultPath returns the conventional ledger database location under
// appDataDir, matching section 6.2.
func DefaultPath(appDataDir string) string {
	return filepath.Join(appDataDir, "downloads.db")
}
