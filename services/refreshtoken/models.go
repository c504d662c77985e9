package refreshtoken

import (
	"time"
)

// RefreshToken rows are kept after rotation (Invalidated set, RotatedAt
// recording when) so that a later presentation of the same token can be
// recognised as reuse rather than a plain miss. The sweep removes them once
// they are of no forensic value.
type RefreshToken struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	UserID      uint       `json:"user_id" gorm:"not null;index"`
	TokenHash   string     `json:"-" gorm:"uniqueIndex;size:255;not null"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"not null;index"`
	Invalidated bool       `json:"invalidated" gorm:"not null;default:false;index"`
	RotatedAt   *time.Time `json:"rotated_at"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    time.Time  `json:"last_used"`
	DeviceInfo  string     `json:"device_info" gorm:"size:500"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

type TokenSessionInfo struct {
	IPAddress  string
	UserAgent  string
	DeviceInfo map[string]any
}

type RefreshTokenData struct {
	Token     string
	TokenID   uint
	Hash      string
	ExpiresAt time.Time
}

type TokenRotationResult struct {
	AccessToken    string
	RefreshToken   string
	RefreshTokenID uint
	OldTokenID     uint
	UserID         uint
	ExpiresAt      time.Time
}
