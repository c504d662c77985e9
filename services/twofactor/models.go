package twofactor

import (
	"time"
)

// PendingSession is the state between a completed passkey assertion and the
// second factor. It is single use and short lived; no tokens exist until
// Complete succeeds.
type PendingSession struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	TokenHash string    `json:"-" gorm:"uniqueIndex;size:255;not null"`
	UserID    uint      `json:"user_id" gorm:"not null;index"`
	Mode      string    `json:"mode" gorm:"size:64;not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

func (PendingSession) TableName() string {
	return "two_factor_sessions"
}

type BegunSession struct {
	Token     string
	Mode      string
	ExpiresAt time.Time
}
