package cliauth

import (
	"time"
)

// CliAuthCode is a single-use device-flow code. Only the sha256 hash of the
// code is stored; UsedAt is set exactly once, on successful redemption.
type CliAuthCode struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	CodeHash    string     `json:"-" gorm:"uniqueIndex;size:255;not null"`
	UserID      uint       `json:"user_id" gorm:"not null;index"`
	CallbackURL string     `json:"callback_url" gorm:"size:500"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"not null;index"`
	UsedAt      *time.Time `json:"used_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (CliAuthCode) TableName() string {
	return "cli_auth_codes"
}

type IssuedCode struct {
	Code      string
	ExpiresAt time.Time
}
