package user

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrEmailTaken             = errors.New("email address is already registered")
	ErrInvitationTokenInvalid = errors.New("invalid or expired invitation token")
	ErrInvitationTokenExpired = errors.New("invitation token has expired")
	ErrInvitationTokenUsed    = errors.New("invitation token has already been used")
	ErrUnknownTwoFactorMode   = errors.New("unknown two-factor mode")
)

type Service struct {
	config *config.Config
	db     *gorm.DB
	logger *logging.Service
}

func NewService(cfg *config.Config, db *gorm.DB, logger *logging.Service) *Service {
	return &Service{
		config: cfg,
		db:     db,
		logger: logger,
	}
}

func (s *Service) Create(email string, passwordHash *string, role string) (*User, error) {
	if s.logger != nil {
		s.logger.Info("creating user", zap.String("email", email), zap.String("role", role))
	}

	if role == "" {
		role = RoleUser
	}

	u := &User{
		Email:         strings.ToLower(strings.TrimSpace(email)),
		PasswordHash:  passwordHash,
		Role:          role,
		TwoFactorMode: TwoFactorNone,
	}

	if err := s.db.Create(u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if s.logger != nil {
				s.logger.Warn("user creation failed - email already registered", zap.String("email", u.Email))
			}
			return nil, ErrEmailTaken
		}
		if s.logger != nil {
			s.logger.Error("failed to create user", zap.Error(err), zap.String("email", u.Email))
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("user created successfully", zap.Uint("user_id", u.ID))
	}
	return u, nil
}

func (s *Service) FindByID(id uint) (*User, error) {
	var u User
	if err := s.db.First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &u, nil
}

func (s *Service) FindByEmail(email string) (*User, error) {
	var u User
	err := s.db.Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return &u, nil
}

func (s *Service) SetPasswordHash(userID uint, hash string) error {
	result := s.db.Model(&User{}).Where("id = ?", userID).Update("password_hash", hash)
	if result.Error != nil {
		if s.logger != nil {
			s.logger.Error("failed to update password hash", zap.Error(result.Error), zap.Uint("user_id", userID))
		}
		return fmt.Errorf("failed to update password hash: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// TwoFactorPolicy gates enabling an additional factor. The passkey-count
// precondition lives with the passkey store, not here.
type TwoFactorPolicy interface {
	CanEnable(userID uint) error
}

func (s *Service) SetTwoFactorMode(userID uint, mode string, policy TwoFactorPolicy) error {
	switch mode {
	case TwoFactorNone, TwoFactorPasskeyPassword, TwoFactorPasskeyTOTP:
	default:
		return ErrUnknownTwoFactorMode
	}

	if mode != TwoFactorNone && policy != nil {
		if err := policy.CanEnable(userID); err != nil {
			if s.logger != nil {
				s.logger.Warn("two-factor mode change rejected by policy",
					zap.Uint("user_id", userID),
					zap.String("mode", mode),
					zap.Error(err))
			}
			return err
		}
	}

	result := s.db.Model(&User{}).Where("id = ?", userID).Update("two_factor_mode", mode)
	if result.Error != nil {
		return fmt.Errorf("failed to update two-factor mode: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}

	if s.logger != nil {
		s.logger.Info("two-factor mode updated",
			zap.Uint("user_id", userID),
			zap.String("mode", mode))
	}
	return nil
}

func (s *Service) CreateInvitation(email, role string) (*InvitationToken, error) {
	if s.logger != nil {
		s.logger.Info("creating invitation token", zap.String("email", email))
	}

	token, err := s.generateInvitationToken()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to generate invitation token", zap.Error(err))
		}
		return nil, err
	}

	if role == "" {
		role = RoleUser
	}

	invitation := &InvitationToken{
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Token:     token,
		Role:      role,
		ExpiresAt: time.Now().Add(s.config.Auth.InvitationExpiry),
		Used:      false,
	}

	if err := s.db.Create(invitation).Error; err != nil {
		if s.logger != nil {
			s.logger.Error("failed to store invitation token", zap.Error(err), zap.String("email", invitation.Email))
		}
		return nil, fmt.Errorf("failed to create invitation token: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("invitation token created",
			zap.String("email", invitation.Email),
			zap.Time("expires_at", invitation.ExpiresAt))
	}
	return invitation, nil
}

func (s *Service) ValidateInvitation(token string) (*InvitationToken, error) {
	var invitation InvitationToken
	if err := s.db.Where("token = ?", token).First(&invitation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if s.logger != nil {
				s.logger.Warn("invalid invitation token attempted")
			}
			return nil, ErrInvitationTokenInvalid
		}
		return nil, fmt.Errorf("failed to validate invitation token: %w", err)
	}

	if invitation.Used {
		return nil, ErrInvitationTokenUsed
	}

	if time.Now().After(invitation.ExpiresAt) {
		return nil, ErrInvitationTokenExpired
	}

	return &invitation, nil
}

// RegisterFromInvitation consumes the invitation and creates the user in one
// transaction, so a duplicate-email failure leaves the invitation usable.
func (s *Service) RegisterFromInvitation(token string, passwordHash *string) (*User, error) {
	invitation, err := s.ValidateInvitation(token)
	if err != nil {
		return nil, err
	}

	var created *User
	err = s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		result := tx.Model(&InvitationToken{}).
			Where("id = ? AND used = ?", invitation.ID, false).
			Updates(map[string]any{"used": true, "used_at": now})
		if result.Error != nil {
			return fmt.Errorf("failed to mark invitation token as used: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvitationTokenUsed
		}

		u := &User{
			Email:         invitation.Email,
			PasswordHash:  passwordHash,
			Role:          invitation.Role,
			TwoFactorMode: TwoFactorNone,
		}
		if err := tx.Create(u).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrEmailTaken
			}
			return fmt.Errorf("failed to create user: %w", err)
		}

		created = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Info("user registered from invitation",
			zap.Uint("user_id", created.ID),
			zap.String("email", created.Email))
	}
	return created, nil
}

func (s *Service) CleanupExpiredInvitations() error {
	result := s.db.Where("expires_at < ?", time.Now()).Delete(&InvitationToken{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired invitation tokens: %w", result.Error)
	}

	if s.logger != nil && result.RowsAffected > 0 {
		s.logger.Info("expired invitation tokens cleaned up", zap.Int64("tokens_removed", result.RowsAffected))
	}
	return nil
}

func (s *Service) generateInvitationToken() (string, error) {
	bytes := make([]byte, s.config.Auth.InvitationTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
