package twofactor

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/auth"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/refreshtoken"
	"github.com/changeloghq/authkit/services/token"
	"github.com/changeloghq/authkit/services/totp"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrTwoFactorNotEnabled  = errors.New("two-factor authentication is not enabled for user")
	ErrSessionInvalid       = errors.New("invalid two-factor session")
	ErrSessionExpired       = errors.New("two-factor session has expired")
	ErrSecondFactorRejected = errors.New("second factor verification failed")
	ErrPasskeyRequired      = errors.New("at least one passkey must be registered")
	ErrPasswordRequired     = errors.New("user has no password set")
)

// TokenIssuer mints the access/refresh pair once both factors are proven.
type TokenIssuer interface {
	Issue(userID uint, sessionInfo refreshtoken.TokenSessionInfo) (*token.Pair, error)
}

// PasskeyCounter reports how many passkeys a user has registered.
type PasskeyCounter interface {
	CountForUser(userID uint) (int64, error)
}

type Service struct {
	config   *config.Config
	db       *gorm.DB
	users    *user.Service
	auth     *auth.Service
	totp     *totp.Service
	passkeys PasskeyCounter
	audit    audit.Recorder
	logger   *logging.Service
}

func NewService(cfg *config.Config, db *gorm.DB, users *user.Service, authSvc *auth.Service, totpSvc *totp.Service, passkeys PasskeyCounter, logger *logging.Service) *Service {
	return &Service{
		config:   cfg,
		db:       db,
		users:    users,
		auth:     authSvc,
		totp:     totpSvc,
		passkeys: passkeys,
		logger:   logger,
	}
}

func (s *Service) SetAuditRecorder(recorder audit.Recorder) {
	s.audit = recorder
}

// Begin opens a pending session after a successful passkey assertion. The
// caller holds only the returned opaque token; no access or refresh token
// exists until Complete succeeds.
func (s *Service) Begin(userID uint) (*BegunSession, error) {
	u, err := s.users.FindByID(userID)
	if err != nil {
		return nil, err
	}

	if u.TwoFactorMode == user.TwoFactorNone {
		return nil, ErrTwoFactorNotEnabled
	}

	tokenBytes := make([]byte, s.config.TwoFactor.SessionTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	sessionToken := base64.RawURLEncoding.EncodeToString(tokenBytes)

	session := &PendingSession{
		TokenHash: hashToken(sessionToken),
		UserID:    userID,
		Mode:      u.TwoFactorMode,
		ExpiresAt: time.Now().Add(s.config.TwoFactor.SessionExpiry),
	}

	if err := s.db.Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to store two-factor session: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("two-factor session started",
			zap.Uint("user_id", userID),
			zap.String("mode", u.TwoFactorMode))
	}

	return &BegunSession{
		Token:     sessionToken,
		Mode:      u.TwoFactorMode,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// Complete verifies the second factor and mints tokens. A failed
// verification leaves the session alive for retry within its expiry; a
// successful one consumes it with a guarded delete so it cannot mint twice.
func (s *Service) Complete(sessionToken, secondFactor string, issuer TokenIssuer, sessionInfo refreshtoken.TokenSessionInfo) (*token.Pair, *user.User, error) {
	var session PendingSession
	err := s.db.Where("token_hash = ?", hashToken(sessionToken)).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrSessionInvalid
		}
		return nil, nil, fmt.Errorf("database error: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		s.db.Where("id = ?", session.ID).Delete(&PendingSession{})
		return nil, nil, ErrSessionExpired
	}

	u, err := s.users.FindByID(session.UserID)
	if err != nil {
		return nil, nil, err
	}

	if err := s.verifySecondFactor(u, session.Mode, secondFactor); err != nil {
		if s.logger != nil {
			s.logger.Warn("second factor verification failed",
				zap.Uint("user_id", u.ID),
				zap.String("mode", session.Mode))
		}
		return nil, nil, err
	}

	result := s.db.Where("id = ?", session.ID).Delete(&PendingSession{})
	if result.Error != nil {
		return nil, nil, fmt.Errorf("failed to consume two-factor session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil, ErrSessionInvalid
	}

	pair, err := issuer.Issue(u.ID, sessionInfo)
	if err != nil {
		return nil, nil, err
	}

	if s.logger != nil {
		s.logger.Info("two-factor login completed",
			zap.Uint("user_id", u.ID),
			zap.String("mode", session.Mode))
	}

	if s.audit != nil {
		s.audit.Record(audit.ActionLogin, u.ID, u.ID, map[string]any{
			"two_factor_mode": session.Mode,
		})
	}

	return pair, u, nil
}

func (s *Service) verifySecondFactor(u *user.User, mode, secondFactor string) error {
	switch mode {
	case user.TwoFactorPasskeyPassword:
		if !u.HasPassword() {
			return ErrPasswordRequired
		}
		if err := s.auth.VerifyPassword(*u.PasswordHash, secondFactor); err != nil {
			return ErrSecondFactorRejected
		}
		return nil
	case user.TwoFactorPasskeyTOTP:
		if err := s.totp.VerifyUserCode(u.ID, secondFactor); err != nil {
			return ErrSecondFactorRejected
		}
		return nil
	default:
		return user.ErrUnknownTwoFactorMode
	}
}

// CanEnable implements the policy gate for turning two-factor on: both
// supported modes use a passkey as the first factor, so one must exist.
func (s *Service) CanEnable(userID uint) error {
	count, err := s.passkeys.CountForUser(userID)
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrPasskeyRequired
	}
	return nil
}

// SetMode changes the user's two-factor mode, applying the policy gate and
// the mode-specific preconditions.
func (s *Service) SetMode(userID uint, mode string) error {
	if mode == user.TwoFactorPasskeyPassword {
		u, err := s.users.FindByID(userID)
		if err != nil {
			return err
		}
		if !u.HasPassword() {
			return ErrPasswordRequired
		}
	}

	if mode == user.TwoFactorPasskeyTOTP && !s.totp.IsUserTOTPEnabled(userID) {
		return totp.ErrSecretNotFound
	}

	return s.users.SetTwoFactorMode(userID, mode, s)
}

// CleanupExpiredSessions removes pending sessions that timed out.
func (s *Service) CleanupExpiredSessions() error {
	result := s.db.Where("expires_at < ?", time.Now()).Delete(&PendingSession{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup two-factor sessions: %w", result.Error)
	}

	if s.logger != nil && result.RowsAffected > 0 {
		s.logger.Info("expired two-factor sessions cleaned up",
			zap.Int64("sessions_removed", result.RowsAffected))
	}
	return nil
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
