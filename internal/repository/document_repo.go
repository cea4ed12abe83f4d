package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collab-editor/internal/models"

	"gorm.io/gorm"
)

// DocumentRepositoryImpl is the document snapshot store. It does not know
// about any interface; the services package declares the one it needs.
type DocumentRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *gorm.DB) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{db: db}
}

// Create inserts a new document with its collaborator list.
// The KSUID is auto-generated in the BeforeCreate hook.
func (r *DocumentRepositoryImpl) Create(ctx context.Context, doc *models.DocumentCreate) (*models.Document, error) {
	document := &models.Document{
		Title:   doc.Title,
		Content: doc.Content,
		OwnerID: doc.OwnerID,
		Version: 1,
	}
	for i, c := range doc.Collaborators {
		if c.Permission == "" {
			c.Permission = models.PermissionWrite
		}
		document.Collaborators = append(document.Collaborators, models.Collaborator{
			UserID:     c.UserID,
			Permission: c.Permission,
			Position:   i,
		})
	}

	if err := r.db.WithContext(ctx).Create(document).Error; err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	return document, nil
}

// GetByID loads a document with its collaborators in sharing order.
func (r *DocumentRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document

	err := r.db.WithContext(ctx).
		Preload("Collaborators", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return &doc, nil
}

// UpdateSnapshot overwrites content and version in one statement, guarded by
// the version the caller loaded. It returns ErrVersionConflict when another
// writer moved the version first and ErrNotFound when the row is gone.
func (r *DocumentRepositoryImpl) UpdateSnapshot(ctx context.Context, id, content string, expectedVersion, newVersion int64, updatedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"content":    content,
			"version":    newVersion,
			"updated_at": updatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update document snapshot: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Document{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check document: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("document %s at version %d: %w", id, expectedVersion, ErrVersionConflict)
}

// addCollaborator shares the document with userID, appending to the ordered list.
// Sharing again with a different permission updates it in place.
func (r *DocumentRepositoryImpl) addCollaborator(ctx context.Context, documentID, userID string, perm models.Permission) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Collaborator
		err := tx.Where("document_id = ? AND user_id = ?", documentID, userID).First(&existing).Error
		if err == nil {
			return tx.Model(&existing).Update("permission", perm).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to look up collaborator: %w", err)
		}

		var count int64
		if err := tx.Model(&models.Collaborator{}).Where("document_id = ?", documentID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count collaborators: %w", err)
		}
		c := models.Collaborator{DocumentID: documentID, UserID: userID, Permission: perm, Position: int(count)}
		if err := tx.Create(&c).Error; err != nil {
			return fmt.Errorf("failed to add collaborator: %w", err)
		}
		return nil
	})
}

// removeCollaborator revokes userID's access. Live sessions are not affected
// until they join again.
func (r *DocumentRepositoryImpl) removeCollaborator(ctx context.Context, documentID, userID string) error {
	result := r.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		Delete(&models.Collaborator{})
	if result.Error != nil {
		return fmt.Errorf("failed to remove collaborator: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("collaborator %s on %s: %w", userID, documentID, ErrNotFound)
	}
	return nil
}

// deleteDocument permanently removes a document. Its change history is kept.
// Sharing and deletion are owned by the document service; these back the
// repository tests that pin the schema behaviour.
func (r *DocumentRepositoryImpl) deleteDocument(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&models.Collaborator{}).Error; err != nil {
			return fmt.Errorf("failed to delete collaborators: %w", err)
		}
		result := tx.Delete(&models.Document{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete document: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
