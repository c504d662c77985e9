package apikey

import (
	"time"
)

// ApiKey stores only the prefix (for display and routing) and the sha256
// hash of the full key. Revoked is a one-way latch: no update path in this
// package ever writes it back to false.
type ApiKey struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	UserID      uint       `json:"user_id" gorm:"not null;index"`
	Name        string     `json:"name" gorm:"size:255;not null"`
	KeyPrefix   string     `json:"key_prefix" gorm:"size:32;not null;index"`
	KeyHash     string     `json:"-" gorm:"uniqueIndex;size:255;not null"`
	Permissions string     `json:"permissions" gorm:"size:500"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Revoked     bool       `json:"revoked" gorm:"not null;default:false"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (ApiKey) TableName() string {
	return "api_keys"
}

// Principal is the synthetic identity an API key authenticates as. Kind
// distinguishes it from a human session so audit logs never conflate the two.
type Principal struct {
	UserID uint
	Role   string
	Kind   string
	KeyID  uint
}

const (
	PrincipalKindAPIKey  = "api_key"
	PrincipalKindSession = "session"
)

// GeneratedKey carries the plaintext key exactly once, at creation.
type GeneratedKey struct {
	Key    string
	Record *ApiKey
}
