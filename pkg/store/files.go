package store

import (
	"context"
	"time"

	"github.com/quiltfs/quiltfs/pkg/model"
)

// CreateFile inserts a new stored-file record.
func (s *Store) CreateFile(ctx context.Context, file *model.StoredFile) error {
	return translate(s.db.WithContext(ctx).Create(file).Error)
}

// GetFile returns a stored file by id.
func (s *Store) GetFile(ctx context.Context, id string) (*model.StoredFile, error) {
	var file model.StoredFile
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&file).Error; err != nil {
		return nil, translate(err)
	}
	return &file, nil
}

// ListFiles returns all stored files ordered by upload time.
func (s *Store) ListFiles(ctx context.Context) ([]model.StoredFile, error) {
	var files []model.StoredFile
	if err := s.db.WithContext(ctx).Order("uploaded_at").Find(&files).Error; err != nil {
		return nil, translate(err)
	}
	return files, nil
}

// ListFilesByOwner returns the files owned by a given user.
func (s *Store) ListFilesByOwner(ctx context.Context, owner string) ([]model.StoredFile, error) {
	var files []model.StoredFile
	err := s.db.WithContext(ctx).Where("owner = ?", owner).Order("uploaded_at").Find(&files).Error
	if err != nil {
		return nil, translate(err)
	}
	return files, nil
}

// TouchLastAccessed stamps a file's last_accessed time. The update is
// intentionally independent of any cache write; the admin download path
// calls it after the whole file has been written to the caller.
func (s *Store) TouchLastAccessed(ctx context.Context, id string, at time.Time) error {
	return translate(s.db.WithContext(ctx).
		Model(&model.StoredFile{}).
		Where("id = ?", id).
		Update("last_accessed", at).Error)
}

// FinishFile records the whole-file digest and final size once the last
// chunk has been committed.
func (s *Store) FinishFile(ctx context.Context, id string, checksum string, sizeBytes int64) error {
	return translate(s.db.WithContext(ctx).
		Model(&model.StoredFile{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"checksum":   checksum,
			"size_bytes": sizeBytes,
		}).Error)
}

// DeleteFile removes a file record and all of its chunk rows. Used by
// upload cancellation cleanup; backend objects are deleted separately.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		if err := tx.db.Where("file_id = ?", id).Delete(&model.Chunk{}).Error; err != nil {
			return translate(err)
		}
		return translate(tx.db.Where("id = ?", id).Delete(&model.StoredFile{}).Error)
	})
}

// CountFiles returns the total number of stored files.
func (s *Store) CountFiles(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.StoredFile{}).Count(&n).Error; err != nil {
		return 0, translate(err)
	}
	return n, nil
}
