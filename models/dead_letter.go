package models

import "time"

// DeadLetter keeps a write that was given up on after too many failed flushes.
type DeadLetter struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Kind      string    `json:"kind" gorm:"size:20;not null"`
	Payload   string    `json:"payload" gorm:"type:text;not null"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error" gorm:"size:1000"`
	CreatedAt time.Time `json:"created_at"`
}
