package webauthn

import (
	"time"
)

// Passkey is a registered WebAuthn credential. SignCount mirrors the
// authenticator's signature counter; a counter that fails to advance on a
// counter-bearing authenticator indicates a cloned credential.
type Passkey struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	UserID          uint       `json:"user_id" gorm:"not null;index"`
	Name            string     `json:"name" gorm:"size:255"`
	CredentialID    string     `json:"-" gorm:"uniqueIndex;size:1024;not null"`
	PublicKey       []byte     `json:"-" gorm:"not null"`
	AttestationType string     `json:"attestation_type" gorm:"size:255"`
	Transports      string     `json:"transports" gorm:"size:255"`
	SignCount       uint32     `json:"-" gorm:"not null;default:0"`
	BackupEligible  bool       `json:"backup_eligible"`
	BackupState     bool       `json:"backup_state"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at"`
}

func (Passkey) TableName() string {
	return "passkeys"
}

// ChallengeSession holds the server-side half of an in-flight WebAuthn
// ceremony. Single use: consumed when the ceremony finishes, swept when it
// expires unfinished.
type ChallengeSession struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	TokenHash   string    `json:"-" gorm:"uniqueIndex;size:255;not null"`
	UserID      uint      `json:"user_id" gorm:"not null;index"`
	Ceremony    string    `json:"ceremony" gorm:"size:32;not null"`
	SessionData []byte    `json:"-" gorm:"not null"`
	ExpiresAt   time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ChallengeSession) TableName() string {
	return "webauthn_challenge_sessions"
}

const (
	CeremonyRegistration = "registration"
	CeremonyLogin        = "login"
)
