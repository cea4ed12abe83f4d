package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"collab-editor/internal/models"

	"gorm.io/gorm"
)

/*
Change log persistence.

The log is append-only: the session engine writes one row per accepted edit
and never reads it back on the hot path. Reads exist for the history
endpoint and for audits.

Query patterns:
- Append: persist an edit in server-received order
- ListByDocument: page through a document's history after a sequence number
- CountByDocument: history size
*/

// ChangeRepositoryImpl handles change record storage
type ChangeRepositoryImpl struct {
	db *gorm.DB
}

// NewChangeRepository creates a new change log repository
func NewChangeRepository(db *gorm.DB) *ChangeRepositoryImpl {
	return &ChangeRepositoryImpl{db: db}
}

// Append stores a change record and returns it with its sequence number.
func (r *ChangeRepositoryImpl) Append(ctx context.Context, documentID, userID string, payload json.RawMessage) (*models.ChangeRecord, error) {
	record := &models.ChangeRecord{
		DocumentID: documentID,
		UserID:     userID,
		Payload:    payload,
	}

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to append change record: %w", err)
	}

	return record, nil
}

// ListByDocument returns up to limit records with Seq > afterSeq, oldest first.
func (r *ChangeRepositoryImpl) ListByDocument(ctx context.Context, documentID string, afterSeq uint64, limit int) ([]*models.ChangeRecord, error) {
	var records []*models.ChangeRecord

	err := r.db.WithContext(ctx).
		Where("document_id = ? AND seq > ?", documentID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list change records: %w", err)
	}

	return records, nil
}

// CountByDocument returns how many changes were ever recorded for a document.
func (r *ChangeRepositoryImpl) CountByDocument(ctx context.Context, documentID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.ChangeRecord{}).
		Where("document_id = ?", documentID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count change records: %w", err)
	}
	return count, nil
}
