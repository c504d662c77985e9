package totp

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrTOTPDisabled    = errors.New("TOTP is disabled")
	ErrInvalidCode     = errors.New("invalid TOTP code")
	ErrSecretExists    = errors.New("TOTP secret already exists for user")
	ErrSecretNotFound  = errors.New("TOTP secret not found for user")
	ErrCodeAlreadyUsed = errors.New("TOTP code has already been used")
)

// A verified code is remembered for this long to block replays. Covers the
// current 30s step plus the one step of skew the validator accepts.
const usedCodeWindow = 90 * time.Second

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

// GenerateSecret enrols a new authenticator secret for the user. The secret
// is stored disabled; EnableTOTP flips it once the user proves possession.
func (s *Service) GenerateSecret(userID uint, accountName string) (*TOTPSecret, error) {
	if !s.config.TOTP.Enabled {
		return nil, ErrTOTPDisabled
	}

	var existing TOTPSecret
	if err := s.db.Where("user_id = ?", userID).First(&existing).Error; err == nil {
		if s.logger != nil {
			s.logger.Warn("TOTP secret generation failed - secret already exists",
				zap.Uint("user_id", userID))
		}
		return nil, ErrSecretExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check existing TOTP secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.getIssuer(),
		AccountName: accountName,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Error("TOTP key generation failed",
				zap.Error(err),
				zap.Uint("user_id", userID))
		}
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	secret := &TOTPSecret{
		UserID:  userID,
		Secret:  key.Secret(),
		Enabled: false,
	}

	if err := s.db.Create(secret).Error; err != nil {
		return nil, fmt.Errorf("failed to store TOTP secret: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("TOTP secret generated",
			zap.Uint("user_id", userID),
			zap.Uint("secret_id", secret.ID))
	}

	return secret, nil
}

func (s *Service) GetSecret(userID uint) (*TOTPSecret, error) {
	if !s.config.TOTP.Enabled {
		return nil, ErrTOTPDisabled
	}

	var secret TOTPSecret
	if err := s.db.Where("user_id = ?", userID).First(&secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to retrieve TOTP secret: %w", err)
	}

	return &secret, nil
}

// EnableTOTP activates a pending secret once the user submits a code that
// validates against it.
func (s *Service) EnableTOTP(userID uint, code string) error {
	if !s.config.TOTP.Enabled {
		return ErrTOTPDisabled
	}

	secret, err := s.GetSecret(userID)
	if err != nil {
		return err
	}

	if !totp.Validate(code, secret.Secret) {
		if s.logger != nil {
			s.logger.Warn("TOTP enable failed - invalid verification code",
				zap.Uint("user_id", userID))
		}
		return ErrInvalidCode
	}

	secret.Enabled = true
	if err := s.db.Save(secret).Error; err != nil {
		return fmt.Errorf("failed to enable TOTP: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("TOTP enabled", zap.Uint("user_id", userID))
	}

	return nil
}

// DisableTOTP removes the secret and its replay records together.
func (s *Service) DisableTOTP(userID uint) error {
	if !s.config.TOTP.Enabled {
		return ErrTOTPDisabled
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ?", userID).Delete(&TOTPSecret{})
		if result.Error != nil {
			return fmt.Errorf("failed to disable TOTP: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrSecretNotFound
		}

		if err := tx.Where("user_id = ?", userID).Delete(&UsedCode{}).Error; err != nil {
			return fmt.Errorf("failed to clean up used codes: %w", err)
		}

		if s.logger != nil {
			s.logger.Info("TOTP disabled", zap.Uint("user_id", userID))
		}

		return nil
	})
}

func (s *Service) GenerateProvisioningURI(secret *TOTPSecret, accountName string) (string, error) {
	if !s.config.TOTP.Enabled {
		return "", ErrTOTPDisabled
	}

	issuer := s.getIssuer()
	uri := fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s",
		url.PathEscape(issuer), url.PathEscape(accountName), secret.Secret, url.QueryEscape(issuer))

	return uri, nil
}

func (s *Service) IsUserTOTPEnabled(userID uint) bool {
	secret, err := s.GetSecret(userID)
	if err != nil {
		return false
	}
	return secret.Enabled
}

// VerifyUserCode checks a code against the user's enabled secret and burns
// it. The replay check and the burn happen in one transaction so a code
// cannot verify twice.
func (s *Service) VerifyUserCode(userID uint, code string) error {
	if !s.config.TOTP.Enabled {
		return ErrTOTPDisabled
	}

	secret, err := s.GetSecret(userID)
	if err != nil {
		return err
	}

	if !secret.Enabled {
		return ErrSecretNotFound
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		cutoff := time.Now().Add(-usedCodeWindow).Unix()
		var existingCode UsedCode
		if err := tx.Where("user_id = ? AND code = ? AND used_at > ?", userID, code, cutoff).First(&existingCode).Error; err == nil {
			if s.logger != nil {
				s.logger.Warn("TOTP verification failed - code already used",
					zap.Uint("user_id", userID))
			}
			return ErrCodeAlreadyUsed
		}

		if !totp.Validate(code, secret.Secret) {
			if s.logger != nil {
				s.logger.Warn("TOTP verification failed - invalid code",
					zap.Uint("user_id", userID))
			}
			return ErrInvalidCode
		}

		usedCode := &UsedCode{
			UserID: userID,
			Code:   code,
			UsedAt: time.Now().Unix(),
		}
		if err := tx.Create(usedCode).Error; err != nil {
			return fmt.Errorf("failed to store used code: %w", err)
		}

		return nil
	})
}

// CleanupUsedCodes drops replay records too old to matter.
func (s *Service) CleanupUsedCodes() error {
	if !s.config.TOTP.Enabled {
		return nil
	}

	cutoff := time.Now().Add(-usedCodeWindow).Unix()
	result := s.db.Where("used_at < ?", cutoff).Delete(&UsedCode{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup used TOTP codes: %w", result.Error)
	}

	if s.logger != nil && result.RowsAffected > 0 {
		s.logger.Info("TOTP used codes cleaned up",
			zap.Int64("codes_removed", result.RowsAffected))
	}

	return nil
}

func (s *Service) getIssuer() string {
	if s.config.TOTP.Issuer == "" {
		return s.config.App.Name
	}
	return s.config.TOTP.Issuer
}
