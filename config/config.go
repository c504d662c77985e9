package config

import (
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	App          AppConfig          `envPrefix:"AUTHKIT_APP_"`
	Log          LogConfig          `envPrefix:"AUTHKIT_LOG_"`
	Database     DatabaseConfig     `envPrefix:"AUTHKIT_DB_"`
	Auth         AuthConfig         `envPrefix:"AUTHKIT_AUTH_"`
	JWT          JWTConfig          `envPrefix:"AUTHKIT_JWT_"`
	RefreshToken RefreshTokenConfig `envPrefix:"AUTHKIT_REFRESH_TOKEN_"`
	OAuth        OAuthConfig        `envPrefix:"AUTHKIT_OAUTH_"`
	WebAuthn     WebAuthnConfig     `envPrefix:"AUTHKIT_WEBAUTHN_"`
	APIKey       APIKeyConfig       `envPrefix:"AUTHKIT_APIKEY_"`
	CLIAuth      CLIAuthConfig      `envPrefix:"AUTHKIT_CLIAUTH_"`
	TwoFactor    TwoFactorConfig    `envPrefix:"AUTHKIT_TWOFACTOR_"`
	TOTP         TOTPConfig         `envPrefix:"AUTHKIT_TOTP_"`
	Mail         MailConfig         `envPrefix:"AUTHKIT_MAIL_"`
	Cleanup      CleanupConfig      `envPrefix:"AUTHKIT_CLEANUP_"`
}

type AppConfig struct {
	Name        string `env:"NAME" envDefault:"authkit Application"`
	URL         string `env:"URL" envDefault:"http://localhost:8080"`
	Development bool   `env:"DEVELOPMENT" envDefault:"false"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
	Output string `env:"OUTPUT" envDefault:"stdout"`
}

type DatabaseConfig struct {
	Driver      string `env:"DRIVER" envDefault:"sqlite"`
	DSN         string `env:"DSN" envDefault:"authkit.db"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

type AuthConfig struct {
	MinLength                int           `env:"PASSWORD_MIN_LENGTH" envDefault:"8"`
	RequireUpper             bool          `env:"PASSWORD_REQUIRE_UPPER" envDefault:"true"`
	RequireLower             bool          `env:"PASSWORD_REQUIRE_LOWER" envDefault:"true"`
	RequireNumber            bool          `env:"PASSWORD_REQUIRE_NUMBER" envDefault:"true"`
	RequireSpecial           bool          `env:"PASSWORD_REQUIRE_SPECIAL" envDefault:"false"`
	BcryptCost               int           `env:"BCRYPT_COST" envDefault:"10"`
	PasswordResetEnabled     bool          `env:"PASSWORD_RESET_ENABLED" envDefault:"true"`
	PasswordResetTokenLength int           `env:"PASSWORD_RESET_TOKEN_LENGTH" envDefault:"32"`
	PasswordResetExpiry      time.Duration `env:"PASSWORD_RESET_EXPIRY" envDefault:"1h"`
	InvitationTokenLength    int           `env:"INVITATION_TOKEN_LENGTH" envDefault:"32"`
	InvitationExpiry         time.Duration `env:"INVITATION_EXPIRY" envDefault:"168h"`
}

type JWTConfig struct {
	SecretKey    string        `env:"SECRET_KEY"`
	Issuer       string        `env:"ISSUER" envDefault:"authkit"`
	AccessExpiry time.Duration `env:"ACCESS_EXPIRY" envDefault:"15m"`
}

type RefreshTokenConfig struct {
	TokenLength       int           `env:"LENGTH" envDefault:"32"`
	Expiry            time.Duration `env:"EXPIRY" envDefault:"168h"`
	InvalidatedMaxAge time.Duration `env:"INVALIDATED_MAX_AGE" envDefault:"720h"`
	CookieSecure      bool          `env:"COOKIE_SECURE" envDefault:"true"`
}

type OAuthConfig struct {
	EncryptionKey  string        `env:"ENCRYPTION_KEY"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	ProvidersFile  string        `env:"PROVIDERS_FILE"`
}

type WebAuthnConfig struct {
	RPID            string        `env:"RP_ID" envDefault:"localhost"`
	RPDisplayName   string        `env:"RP_DISPLAY_NAME" envDefault:"authkit Application"`
	RPOrigins       []string      `env:"RP_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	ChallengeExpiry time.Duration `env:"CHALLENGE_EXPIRY" envDefault:"5m"`
}

type APIKeyConfig struct {
	Prefix      string `env:"PREFIX" envDefault:"clak_"`
	TokenLength int    `env:"LENGTH" envDefault:"32"`
}

type CLIAuthConfig struct {
	CodeLength    int           `env:"CODE_LENGTH" envDefault:"32"`
	CodeExpiry    time.Duration `env:"CODE_EXPIRY" envDefault:"10m"`
	UsedRetention time.Duration `env:"USED_RETENTION" envDefault:"24h"`
}

type TwoFactorConfig struct {
	SessionTokenLength int           `env:"SESSION_TOKEN_LENGTH" envDefault:"32"`
	SessionExpiry      time.Duration `env:"SESSION_EXPIRY" envDefault:"10m"`
}

type TOTPConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"false"`
	Issuer  string `env:"ISSUER"`
}

type MailConfig struct {
	Host         string `env:"HOST"`
	Port         int    `env:"PORT" envDefault:"587"`
	Username     string `env:"USERNAME"`
	Password     string `env:"PASSWORD"`
	Encryption   string `env:"ENCRYPTION" envDefault:"starttls"`
	FromAddress  string `env:"FROM_ADDRESS"`
	FromName     string `env:"FROM_NAME"`
	TemplatesDir string `env:"TEMPLATES_DIR"`
}

type CleanupConfig struct {
	Schedule string `env:"SCHEDULE"`
}

// Validate rejects configurations that would otherwise fail much later, at
// the first token mint or the first secret encryption.
func (c *Config) Validate() error {
	if c.JWT.SecretKey == "" {
		return errors.New("JWT secret key is required")
	}

	if c.OAuth.EncryptionKey != "" {
		key, err := hex.DecodeString(c.OAuth.EncryptionKey)
		if err != nil || len(key) != 32 {
			return errors.New("OAuth encryption key must be 64 hex characters (32 bytes)")
		}
	}

	return nil
}

func LoadConfig(cfg any) error {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	if err := env.Parse(cfg); err != nil {
		return err
	}

	if v, ok := cfg.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}
