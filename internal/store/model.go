package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// File is the last known content of one path in the sandbox.
type File struct {
	Path      string    `gorm:"primaryKey;type:text" json:"path"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (File) TableName() string { return "files" }

// Event is a persisted notification for SSE clients. Seq orders events and
// is the resume cursor.
type Event struct {
	Seq       int64           `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID        string          `gorm:"type:text;uniqueIndex;not null" json:"id"`
	Type      string          `gorm:"type:text;not null" json:"type"`
	Data      json.RawMessage `gorm:"type:text;not null" json:"data"`
	CreatedAt time.Time       `gorm:"autoCreateTime;index" json:"createdAt"`
}

func (Event) TableName() string { return "events" }

func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&File{},
		&Event{},
	}
}
