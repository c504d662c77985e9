package oauth

import (
	"strings"
	"time"
)

// Provider is a configured upstream identity provider. The client secret is
// stored encrypted; Name is normalized to lowercase and looked up
// case-insensitively.
type Provider struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	Name            string    `json:"name" gorm:"uniqueIndex;size:255;not null"`
	DisplayName     string    `json:"display_name" gorm:"size:255"`
	ClientID        string    `json:"-" gorm:"size:512;not null"`
	ClientSecretEnc string    `json:"-" gorm:"size:1024;not null"`
	AuthURL         string    `json:"auth_url" gorm:"size:512;not null"`
	TokenURL        string    `json:"token_url" gorm:"size:512;not null"`
	UserInfoURL     string    `json:"user_info_url" gorm:"size:512;not null"`
	RedirectURL     string    `json:"redirect_url" gorm:"size:512"`
	Scopes          string    `json:"scopes" gorm:"size:512"`
	IsDefault       bool      `json:"is_default" gorm:"not null;default:false"`
	// No column default: gorm drops zero-valued fields carrying a default
	// tag from the INSERT, which would silently enable a provider created
	// with Enabled false.
	Enabled   bool      `json:"enabled" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Provider) TableName() string {
	return "oauth_providers"
}

func (p *Provider) ScopeList() []string {
	if p.Scopes == "" {
		return nil
	}
	return strings.Split(p.Scopes, ",")
}

// Connection links a local user to an identity at a provider. The
// (provider, subject) pair is unique: one upstream identity maps to exactly
// one local account. A user holds at most one connection per provider.
type Connection struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	UserID     uint      `json:"user_id" gorm:"not null;uniqueIndex:idx_user_provider,priority:1"`
	ProviderID uint      `json:"provider_id" gorm:"not null;uniqueIndex:idx_user_provider,priority:2;uniqueIndex:idx_provider_subject,priority:1"`
	Subject    string    `json:"subject" gorm:"size:512;not null;uniqueIndex:idx_provider_subject,priority:2"`
	Email      string    `json:"email" gorm:"size:255"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Connection) TableName() string {
	return "oauth_connections"
}

// NewProvider carries the plaintext inputs for registering a provider.
type NewProvider struct {
	Name         string
	DisplayName  string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
	IsDefault    bool
	Enabled      bool
}
