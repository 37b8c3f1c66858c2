package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Subscriber is one registered webhook endpoint for one event type.
// The dispatcher only reads this table.
type Subscriber struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	EventType EventType `json:"event_type" gorm:"index"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
}

func (s *Subscriber) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	return
}
