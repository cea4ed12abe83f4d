package models

import (
	"encoding/json"
	"time"
)

/*
Every accepted edit is appended here before the snapshot is touched. Rows are
never updated or deleted by the session engine; Seq preserves the order in
which the server received the edits, which is not necessarily the order in
which their snapshot writes completed.
*/

// ChangeRecord is one immutable entry of a document's edit history.
type ChangeRecord struct {
	Seq        uint64          `json:"seq" gorm:"primaryKey;autoIncrement"`
	DocumentID string          `json:"document_id" gorm:"type:varchar(64);not null;index"`
	UserID     string          `json:"user_id" gorm:"type:varchar(64);not null"`
	Payload    json.RawMessage `json:"payload" gorm:"not null"` // opaque editor payload, raw JSON
	CreatedAt  time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// TableName override
func (ChangeRecord) TableName() string {
	return "change_records"
}
