package user

import (
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Two-factor modes a user can negotiate. A mode names the exact pair of
// factors a login must chain; a two-factor session minted for one mode cannot
// be redeemed under another.
const (
	TwoFactorNone            = "none"
	TwoFactorPasskeyPassword = "passkey_plus_password"
	TwoFactorPasskeyTOTP     = "passkey_plus_totp"
)

// User is the identity record. PasswordHash is nil for passkey-only accounts;
// callers enforce that such accounts keep at least one registered passkey.
type User struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	Email         string    `json:"email" gorm:"uniqueIndex;size:255;not null"`
	PasswordHash  *string   `json:"-" gorm:"size:255"`
	Role          string    `json:"role" gorm:"size:50;not null;default:user"`
	TwoFactorMode string    `json:"two_factor_mode" gorm:"size:50;not null;default:none"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

type InvitationToken struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	Email     string     `json:"email" gorm:"size:255;not null;index"`
	Token     string     `json:"-" gorm:"uniqueIndex;size:255;not null"`
	Role      string     `json:"role" gorm:"size:50;not null;default:user"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"not null"`
	Used      bool       `json:"used" gorm:"default:false"`
	UsedAt    *time.Time `json:"used_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func (InvitationToken) TableName() string {
	return "invitation_tokens"
}
