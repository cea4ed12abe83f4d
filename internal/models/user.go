package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// User is the display identity attached to presence entries.
type User struct {
	ID        string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	Username  string    `json:"username" gorm:"type:varchar(100);not null;uniqueIndex"`
	Email     string    `json:"email" gorm:"type:varchar(255);uniqueIndex"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}
