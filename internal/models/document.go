package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Document is the durable snapshot of a collaborative document.
// Version starts at 1 and grows by exactly one per accepted change.
type Document struct {
	ID            string         `json:"id" gorm:"type:varchar(64);primaryKey"`
	Title         string         `json:"title" gorm:"type:text;not null"`
	Content       string         `json:"content" gorm:"type:text;not null;default:''"`
	OwnerID       string         `json:"owner_id" gorm:"type:varchar(64);not null;index"`
	Collaborators []Collaborator `json:"collaborators" gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE"`
	Version       int64          `json:"version" gorm:"not null;default:1"`
	CreatedAt     time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	if d.Version == 0 {
		d.Version = 1
	}
	return nil
}

// HasAccess reports whether userID owns the document or is listed as a collaborator.
func (d *Document) HasAccess(userID string) bool {
	_, ok := d.PermissionFor(userID)
	return ok
}

// PermissionFor returns the permission userID holds on the document. Owners
// always hold write.
func (d *Document) PermissionFor(userID string) (Permission, bool) {
	if userID == "" {
		return "", false
	}
	if d.OwnerID == userID {
		return PermissionWrite, true
	}
	for _, c := range d.Collaborators {
		if c.UserID == userID {
			return c.Permission, true
		}
	}
	return "", false
}

// Collaborator grants a user access to a document. Position keeps the
// collaborator list ordered the way it was shared.
type Collaborator struct {
	ID         uint       `json:"-" gorm:"primaryKey;autoIncrement"`
	DocumentID string     `json:"-" gorm:"type:varchar(64);not null;uniqueIndex:idx_doc_user"`
	UserID     string     `json:"user_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_doc_user"`
	Permission Permission `json:"permission" gorm:"type:varchar(10);not null;default:'write'"`
	Position   int        `json:"-" gorm:"not null;default:0"`
}

type DocumentCreate struct {
	Title         string         `json:"title"`
	Content       string         `json:"content"`
	OwnerID       string         `json:"owner_id"`
	Collaborators []Collaborator `json:"collaborators"`
}

// Snapshot is what a joining client receives.
type Snapshot struct {
	Content string `json:"content"`
	Version int64  `json:"version"`
}
