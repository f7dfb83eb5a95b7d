package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fyrsmithlabs/archivist/internal/archive"
)

// MediaRepo persists media assets and the refs that point at them.
type MediaRepo struct {
	db *gorm.DB
}

// CreateRefs stores media refs. Refs with an existing id are kept.
func (r *MediaRepo) CreateRefs(ctx context.Context, refs []*archive.MediaRef) error {
	if len(refs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(refs, insertBatchSize).Error
	return storageErr("create media refs", err)
}

// RefsByStatus returns an archive's refs in any of statuses, oldest first.
func (r *MediaRepo) RefsByStatus(ctx context.Context, archiveID string, statuses ...archive.RefStatus) ([]*archive.MediaRef, error) {
	var out []*archive.MediaRef
	err := r.db.WithContext(ctx).
		Where("archive_id = ? AND status IN ?", archiveID, statuses).
		Order("created_at ASC").Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, storageErr("list media refs", err)
	}
	return out, nil
}

// RefsForMessages returns the owner's refs for messages of one archive.
func (r *MediaRepo) RefsForMessages(ctx context.Context, owner, archiveID string, messageIDs []string) ([]*archive.MediaRef, error) {
	if owner == "" || len(messageIDs) == 0 {
		return nil, nil
	}
	var out []*archive.MediaRef
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND archive_id = ? AND message_id IN ?", owner, archiveID, messageIDs).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, storageErr("list media refs", err)
	}
	return out, nil
}

// UpdateRef records the outcome of one extraction.
func (r *MediaRepo) UpdateRef(ctx context.Context, ref *archive.MediaRef) error {
	err := r.db.WithContext(ctx).
		Model(&archive.MediaRef{}).
		Where("id = ?", ref.ID).
		Updates(map[string]interface{}{
			"status":     ref.Status,
			"checksum":   ref.Checksum,
			"error":      ref.Error,
			"media_type": ref.MediaType,
			"updated_at": time.Now().UTC(),
		}).Error
	return storageErr("update media ref", err)
}

// FindAsset returns the asset with checksum.
func (r *MediaRepo) FindAsset(ctx context.Context, checksum string) (*archive.MediaAsset, error) {
	var a archive.MediaAsset
	err := r.db.WithContext(ctx).Where("checksum = ?", checksum).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("find asset", err)
	}
	return &a, nil
}

// InsertAssetIfAbsent atomically inserts asset unless its checksum already
// exists. It returns the stored row and whether this call created it; a
// caller that lost the race gets the winner's row back.
func (r *MediaRepo) InsertAssetIfAbsent(ctx context.Context, asset *archive.MediaAsset) (*archive.MediaAsset, bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "checksum"}}, DoNothing: true}).
		Create(asset)
	if res.Error != nil {
		return nil, false, storageErr("insert asset", res.Error)
	}
	if res.RowsAffected > 0 {
		return asset, true, nil
	}
	winner, err := r.FindAsset(ctx, asset.Checksum)
	if err != nil {
		return nil, false, err
	}
	return winner, false, nil
}

// SetThumbnail records a generated thumbnail for an asset.
func (r *MediaRepo) SetThumbnail(ctx context.Context, checksum, path string) error {
	err := r.db.WithContext(ctx).
		Model(&archive.MediaAsset{}).
		Where("checksum = ?", checksum).
		Update("thumbnail_path", path).Error
	return storageErr("set thumbnail", err)
}

// AssetsWithoutThumbnail returns an archive's extracted image and video
// assets that have no thumbnail.
func (r *MediaRepo) AssetsWithoutThumbnail(ctx context.Context, archiveID string) ([]*archive.MediaAsset, error) {
	var out []*archive.MediaAsset
	sub := r.db.Model(&archive.MediaRef{}).
		Select("checksum").
		Where("archive_id = ? AND status = ?", archiveID, archive.RefExtracted)
	err := r.db.WithContext(ctx).
		Where("checksum IN (?) AND thumbnail_path = '' AND type IN ?", sub, []string{"image", "video"}).
		Order("checksum ASC").
		Find(&out).Error
	if err != nil {
		return nil, storageErr("list assets", err)
	}
	return out, nil
}

// OwnerAsset returns the asset only when owner holds an extracted ref to it.
// Sharing a checksum with another owner's upload grants nothing.
func (r *MediaRepo) OwnerAsset(ctx context.Context, owner, checksum string) (*archive.MediaAsset, error) {
	if owner == "" || checksum == "" {
		return nil, ErrNotFound
	}
	var n int64
	err := r.db.WithContext(ctx).
		Model(&archive.MediaRef{}).
		Where("owner_id = ? AND checksum = ? AND status = ?", owner, checksum, archive.RefExtracted).
		Limit(1).
		Count(&n).Error
	if err != nil {
		return nil, storageErr("check asset visibility", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return r.FindAsset(ctx, checksum)
}

// DeleteAssetIfUnreferenced removes the asset row when no ref points at it
// any more, returning the removed row. The check and the delete share a
// transaction.
func (r *MediaRepo) DeleteAssetIfUnreferenced(ctx context.Context, checksum string) (*archive.MediaAsset, error) {
	var removed *archive.MediaAsset
	err := r.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var n int64
		if err := txx.Model(&archive.MediaRef{}).Where("checksum = ?", checksum).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		var a archive.MediaAsset
		err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("checksum = ?", checksum).First(&a).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txx.Where("checksum = ?", checksum).Delete(&archive.MediaAsset{}).Error; err != nil {
			return err
		}
		removed = &a
		return nil
	})
	if err != nil {
		return nil, storageErr("delete asset", err)
	}
	return removed, nil
}

// CountBytes returns the number of stored assets and their total size.
func (r *MediaRepo) CountBytes(ctx context.Context) (assets int64, bytes int64, err error) {
	var row struct {
		N     int64
		Total int64
	}
	err = r.db.WithContext(ctx).
		Model(&archive.MediaAsset{}).
		Select("COUNT(*) AS n, COALESCE(SUM(size), 0) AS total").
		Scan(&row).Error
	if err != nil {
		return 0, 0, storageErr("count assets", err)
	}
	return row.N, row.Total, nil
}

// deleteArchive removes an archive's refs and returns the distinct
// checksums they pointed at.
func (r *MediaRepo) deleteArchive(ctx context.Context, archiveID string) ([]string, error) {
	db := r.db.WithContext(ctx)
	var checksums []string
	err := db.Model(&archive.MediaRef{}).
		Where("archive_id = ? AND checksum <> ''", archiveID).
		Distinct().
		Order("checksum ASC").
		Pluck("checksum", &checksums).Error
	if err != nil {
		return nil, err
	}
	if err := db.Where("archive_id = ?", archiveID).Delete(&archive.MediaRef{}).Error; err != nil {
		return nil, err
	}
	return checksums, nil
}

// DeleteArchive removes the owner's job together with its conversations,
// messages and media refs in one transaction. It returns the checksums the
// archive referenced; callers garbage-collect the ones now unreferenced.
func (s *Store) DeleteArchive(ctx context.Context, owner, archiveID string) ([]string, error) {
	var checksums []string
	err := s.Transaction(ctx, func(tx *Store) error {
		if _, err := tx.Jobs().Get(ctx, owner, archiveID); err != nil {
			return err
		}
		var err error
		if checksums, err = tx.Media().deleteArchive(ctx, archiveID); err != nil {
			return err
		}
		if err := tx.Messages().deleteArchive(ctx, archiveID); err != nil {
			return err
		}
		return tx.Jobs().delete(ctx, archiveID)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("delete archive", err)
	}
	return checksums, nil
}
