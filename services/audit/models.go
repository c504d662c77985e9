package audit

import (
	"time"
)

const (
	ActionLogin               = "auth.login"
	ActionLogout              = "auth.logout"
	ActionPasswordChanged     = "auth.password_changed"
	ActionPasswordReset       = "auth.password_reset"
	ActionRefreshTokenReuse   = "security.refresh_token_reuse"
	ActionPasskeyCloneWarning = "security.passkey_clone_detected"
	ActionRevokedAPIKeyUse    = "security.revoked_api_key_use"
	ActionAPIKeyCreated       = "api_key.created"
	ActionAPIKeyRevoked       = "api_key.revoked"
	ActionOAuthLogin          = "oauth.login"
	ActionCLICodeRedeemed     = "cli.code_redeemed"
)

type Entry struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Action    string    `json:"action" gorm:"size:100;not null;index"`
	ActorID   uint      `json:"actor_id" gorm:"index"`
	TargetID  uint      `json:"target_id" gorm:"index"`
	Details   string    `json:"details" gorm:"size:2000"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (Entry) TableName() string {
	return "audit_entries"
}
