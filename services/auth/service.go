package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrPasswordHashingFailed     = errors.New("failed to hash password")
	ErrInvalidCredentials        = errors.New("invalid credentials")
	ErrPasswordResetDisabled     = errors.New("password reset is disabled")
	ErrPasswordResetTokenInvalid = errors.New("invalid or expired password reset token")
	ErrPasswordResetTokenExpired = errors.New("password reset token has expired")
	ErrPasswordResetTokenUsed    = errors.New("password reset token has already been used")
)

type MailService interface {
	SendTemplate(templateName string, to []string, subject string, data map[string]any) error
}

// SessionInvalidator revokes every refresh token a user holds. Password
// changes and resets must force full re-authentication on all devices.
type SessionInvalidator interface {
	InvalidateAllUserRefreshTokens(userID uint) error
}

type Service struct {
	config      *config.Config
	db          *gorm.DB
	users       *user.Service
	mailService MailService
	sessions    SessionInvalidator
	logger      *logging.Service
}

func NewService(cfg *config.Config, db *gorm.DB, users *user.Service, logger *logging.Service) *Service {
	if cfg.Auth.BcryptCost < bcrypt.MinCost || cfg.Auth.BcryptCost > bcrypt.MaxCost {
		cfg.Auth.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		config: cfg,
		db:     db,
		users:  users,
		logger: logger,
	}
}

func (s *Service) SetMailService(mailService MailService) {
	s.mailService = mailService
}

func (s *Service) SetSessionInvalidator(sessions SessionInvalidator) {
	s.sessions = sessions
}

func (s *Service) ValidatePassword(password string) error {
	if len(password) < s.config.Auth.MinLength {
		if s.logger != nil {
			s.logger.Warn("password validation failed: insufficient length",
				zap.Int("length", len(password)),
				zap.Int("min_required", s.config.Auth.MinLength))
		}
		return fmt.Errorf("password must be at least %d characters", s.config.Auth.MinLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	var missing []string

	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	if s.config.Auth.RequireUpper && !hasUpper {
		missing = append(missing, "one uppercase letter")
	}
	if s.config.Auth.RequireLower && !hasLower {
		missing = append(missing, "one lowercase letter")
	}
	if s.config.Auth.RequireNumber && !hasNumber {
		missing = append(missing, "one number")
	}
	if s.config.Auth.RequireSpecial && !hasSpecial {
		missing = append(missing, "one special character")
	}

	if len(missing) > 0 {
		return fmt.Errorf("password must contain at least %s", strings.Join(missing, ", "))
	}

	return nil
}

func (s *Service) HashPassword(password string) (string, error) {
	if err := s.ValidatePassword(password); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.Auth.BcryptCost)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("password hashing failed", zap.Error(err))
		}
		return "", ErrPasswordHashingFailed
	}

	return string(hash), nil
}

func (s *Service) VerifyPassword(hashedPassword, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("password verification failed")
		}
		return ErrInvalidCredentials
	}
	return nil
}

// Login verifies an email/password pair. Unknown email, passkey-only account
// and wrong password all collapse to ErrInvalidCredentials so callers cannot
// enumerate accounts; the distinction exists only in the logs.
func (s *Service) Login(email, password string) (*user.User, error) {
	u, err := s.users.FindByEmail(email)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			if s.logger != nil {
				s.logger.Warn("login failed - unknown email")
			}
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !u.HasPassword() {
		if s.logger != nil {
			s.logger.Warn("login failed - account has no password", zap.Uint("user_id", u.ID))
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.VerifyPassword(*u.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}

	if s.logger != nil {
		s.logger.Info("password login verified", zap.Uint("user_id", u.ID))
	}
	return u, nil
}

// ChangePassword rehashes and invalidates every refresh token for the user.
func (s *Service) ChangePassword(userID uint, currentPassword, newPassword string) error {
	u, err := s.users.FindByID(userID)
	if err != nil {
		return err
	}

	if !u.HasPassword() {
		return ErrInvalidCredentials
	}

	if err := s.VerifyPassword(*u.PasswordHash, currentPassword); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return err
	}

	if err := s.users.SetPasswordHash(userID, hash); err != nil {
		return err
	}

	if s.sessions != nil {
		if err := s.sessions.InvalidateAllUserRefreshTokens(userID); err != nil {
			if s.logger != nil {
				s.logger.Error("failed to invalidate sessions after password change",
					zap.Error(err),
					zap.Uint("user_id", userID))
			}
			return fmt.Errorf("failed to invalidate sessions: %w", err)
		}
	}

	if s.logger != nil {
		s.logger.Info("password changed successfully", zap.Uint("user_id", userID))
	}
	return nil
}

func (s *Service) CreatePasswordResetToken(email string) (*PasswordResetToken, error) {
	if !s.config.Auth.PasswordResetEnabled {
		return nil, ErrPasswordResetDisabled
	}

	token, err := s.generateSecureToken()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to generate password reset token", zap.Error(err))
		}
		return nil, err
	}

	resetToken := &PasswordResetToken{
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Token:     token,
		ExpiresAt: time.Now().Add(s.config.Auth.PasswordResetExpiry),
		Used:      false,
	}

	if err := s.db.Create(resetToken).Error; err != nil {
		if s.logger != nil {
			s.logger.Error("failed to store password reset token", zap.Error(err))
		}
		return nil, fmt.Errorf("failed to create password reset token: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("password reset token created",
			zap.String("email", resetToken.Email),
			zap.Time("expires_at", resetToken.ExpiresAt))
	}
	return resetToken, nil
}

func (s *Service) ValidatePasswordResetToken(token string) (*PasswordResetToken, error) {
	if !s.config.Auth.PasswordResetEnabled {
		return nil, ErrPasswordResetDisabled
	}

	var resetToken PasswordResetToken
	if err := s.db.Where("token = ?", token).First(&resetToken).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if s.logger != nil {
				s.logger.Warn("invalid password reset token attempted")
			}
			return nil, ErrPasswordResetTokenInvalid
		}
		return nil, fmt.Errorf("failed to validate password reset token: %w", err)
	}

	if resetToken.Used {
		return nil, ErrPasswordResetTokenUsed
	}

	if time.Now().After(resetToken.ExpiresAt) {
		return nil, ErrPasswordResetTokenExpired
	}

	return &resetToken, nil
}

// ResetPassword consumes the token, rehashes, and invalidates all sessions.
func (s *Service) ResetPassword(token, newPassword string) error {
	resetToken, err := s.ValidatePasswordResetToken(token)
	if err != nil {
		return err
	}

	u, err := s.users.FindByEmail(resetToken.Email)
	if err != nil {
		return err
	}

	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return err
	}

	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&PasswordResetToken{}).
			Where("id = ? AND used = ?", resetToken.ID, false).
			Updates(map[string]any{"used": true, "used_at": now})
		if result.Error != nil {
			return fmt.Errorf("failed to mark password reset token as used: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrPasswordResetTokenUsed
		}

		if err := tx.Model(&user.User{}).Where("id = ?", u.ID).Update("password_hash", hash).Error; err != nil {
			return fmt.Errorf("failed to update password: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.sessions != nil {
		if err := s.sessions.InvalidateAllUserRefreshTokens(u.ID); err != nil {
			if s.logger != nil {
				s.logger.Error("failed to invalidate sessions after password reset",
					zap.Error(err),
					zap.Uint("user_id", u.ID))
			}
			return fmt.Errorf("failed to invalidate sessions: %w", err)
		}
	}

	if s.logger != nil {
		s.logger.Info("password reset completed", zap.Uint("user_id", u.ID))
	}
	return nil
}

// RequestPasswordReset creates a token and mails the reset link. The mail
// send is best-effort relative to the login flow but reported to the caller
// so the UI can advise a retry.
func (s *Service) RequestPasswordReset(email string) error {
	if !s.config.Auth.PasswordResetEnabled {
		return ErrPasswordResetDisabled
	}

	resetToken, err := s.CreatePasswordResetToken(email)
	if err != nil {
		return err
	}

	if s.mailService == nil {
		if s.logger != nil {
			s.logger.Warn("password reset token created but mail service not configured")
		}
		return nil
	}

	resetURL := fmt.Sprintf("%s/auth/password-reset/confirm?token=%s", s.config.App.URL, resetToken.Token)
	data := map[string]any{
		"Email":          resetToken.Email,
		"ResetURL":       resetURL,
		"ExpiryDuration": s.config.Auth.PasswordResetExpiry.String(),
		"AppName":        s.config.App.Name,
	}

	if err := s.mailService.SendTemplate("password_reset", []string{resetToken.Email}, "Password Reset Request", data); err != nil {
		if s.logger != nil {
			s.logger.Error("failed to send password reset email", zap.Error(err))
		}
		return fmt.Errorf("failed to send password reset email: %w", err)
	}

	return nil
}

func (s *Service) CleanupExpiredTokens() error {
	result := s.db.Where("expires_at < ?", time.Now()).Delete(&PasswordResetToken{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired password reset tokens: %w", result.Error)
	}

	if s.logger != nil && result.RowsAffected > 0 {
		s.logger.Info("expired password reset tokens cleaned up", zap.Int64("tokens_removed", result.RowsAffected))
	}
	return nil
}

func (s *Service) generateSecureToken() (string, error) {
	bytes := make([]byte, s.config.Auth.PasswordResetTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
