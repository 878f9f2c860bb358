// Package store keeps the last known file tree and the event log in a GORM
// database.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/obot-platform/previewbox/internal/sandbox"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Files ---

// PutFile creates or replaces the content stored for path.
func (s *Store) PutFile(ctx context.Context, path, content string) error {
	path, err := sandbox.CleanPath(path)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(&File{Path: path, Content: content}).Error
}

// GetFile returns the stored file at path.
func (s *Store) GetFile(ctx context.Context, path string) (*File, error) {
	path, err := sandbox.CleanPath(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := s.db.WithContext(ctx).First(&f, "path = ?", path).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

// DeletePath removes path and, if it names a directory, everything below it.
// It returns the number of files removed.
func (s *Store) DeletePath(ctx context.Context, path string) (int64, error) {
	path, err := sandbox.CleanPath(path)
	if err != nil {
		return 0, err
	}
	// Children sort between "dir/" and "dir0" ('0' follows '/').
	result := s.db.WithContext(ctx).
		Where("path = ? OR (path >= ? AND path < ?)", path, path+"/", path+"0").
		Delete(&File{})
	return result.RowsAffected, result.Error
}

// ListFiles returns every stored file ordered by path.
func (s *Store) ListFiles(ctx context.Context) ([]File, error) {
	var files []File
	err := s.db.WithContext(ctx).Order("path ASC").Find(&files).Error
	return files, err
}

// Snapshot returns the stored files as a tree.
func (s *Store) Snapshot(ctx context.Context) (sandbox.FileTree, error) {
	files, err := s.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	tree := make(sandbox.FileTree, len(files))
	for _, f := range files {
		tree[f.Path] = f.Content
	}
	return tree, nil
}

// ReplaceAll replaces the stored tree with tree in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, tree sandbox.FileTree) error {
	tree, err := tree.Normalize()
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&File{}).Error; err != nil {
			return err
		}
		if len(tree) == 0 {
			return nil
		}
		files := make([]File, 0, len(tree))
		for _, n := range tree.Nodes() {
			files = append(files, File{Path: n.Path, Content: n.Content})
		}
		return tx.CreateInBatches(files, 100).Error
	})
}

// --- Events ---

// CreateEvent persists a new event and fills in its Seq.
func (s *Store) CreateEvent(ctx context.Context, event *Event) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// ListEventsAfterSeq returns events with seq > afterSeq in ascending order.
func (s *Store) ListEventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]Event, error) {
	var events []Event
	query := s.db.WithContext(ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// GetMaxEventSeq returns the highest sequence number, or 0 with no events.
func (s *Store) GetMaxEventSeq(ctx context.Context) (int64, error) {
	var maxSeq int64
	err := s.db.WithContext(ctx).
		Model(&Event{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	return maxSeq, err
}

// DeleteOldEvents deletes events older than olderThan.
func (s *Store) DeleteOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&Event{})
	return result.RowsAffected, result.Error
}
