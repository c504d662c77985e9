package cliauth

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
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/refreshtoken"
	"github.com/changeloghq/authkit/services/token"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrCodeInvalid          = errors.New("invalid authorization code")
	ErrCodeExpired          = errors.New("authorization code has expired")
	ErrCodeAlreadyUsed      = errors.New("authorization code has already been used")
	ErrCodeGenerationFailed = errors.New("failed to generate secure authorization code")
)

// TokenIssuer mints the access/refresh pair once a code is consumed.
type TokenIssuer interface {
	Issue(userID uint, sessionInfo refreshtoken.TokenSessionInfo) (*token.Pair, error)
}

type Service struct {
	config *config.Config
	db     *gorm.DB
	users  *user.Service
	audit  audit.Recorder
	logger *logging.Service
}

func NewService(cfg *config.Config, db *gorm.DB, users *user.Service, logger *logging.Service) *Service {
	return &Service{
		config: cfg,
		db:     db,
		users:  users,
		logger: logger,
	}
}

func (s *Service) SetAuditRecorder(recorder audit.Recorder) {
	s.audit = recorder
}

// IssueCode mints a short-lived single-use code for a logged-in browser
// session to hand to a polling CLI process.
func (s *Service) IssueCode(userID uint, callbackURL string) (*IssuedCode, error) {
	code, err := s.generateCode()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to generate CLI auth code", zap.Error(err))
		}
		return nil, ErrCodeGenerationFailed
	}

	record := &CliAuthCode{
		CodeHash:    s.hashCode(code),
		UserID:      userID,
		CallbackURL: callbackURL,
		ExpiresAt:   time.Now().Add(s.config.CLIAuth.CodeExpiry),
	}

	if err := s.db.Create(record).Error; err != nil {
		if s.logger != nil {
			s.logger.Error("failed to store CLI auth code", zap.Error(err), zap.Uint("user_id", userID))
		}
		return nil, fmt.Errorf("failed to store CLI auth code: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("CLI auth code issued",
			zap.Uint("user_id", userID),
			zap.Time("expires_at", record.ExpiresAt))
	}

	return &IssuedCode{Code: code, ExpiresAt: record.ExpiresAt}, nil
}

// Exchange validates a code without consuming it. Already-used and expired
// codes fail with distinct errors so the CLI can tell a restartable failure
// from a retry-blindly one.
func (s *Service) Exchange(code string) (*CliAuthCode, *user.User, error) {
	record, err := s.find(s.db, code)
	if err != nil {
		return nil, nil, err
	}

	u, err := s.users.FindByID(record.UserID)
	if err != nil {
		return nil, nil, err
	}

	return record, u, nil
}

// Redeem consumes the code and mints tokens. Consumption commits first, in
// its own transaction guarded on `used_at IS NULL`, so two racing redeems
// cannot both succeed. If token issuance then fails the code stays consumed:
// the human reissues a fresh code rather than the system resurrecting a
// half-spent one.
func (s *Service) Redeem(code string, issuer TokenIssuer, sessionInfo refreshtoken.TokenSessionInfo) (*token.Pair, *user.User, error) {
	var record *CliAuthCode
	err := s.db.Transaction(func(tx *gorm.DB) error {
		found, err := s.find(tx, code)
		if err != nil {
			return err
		}

		now := time.Now()
		result := tx.Model(&CliAuthCode{}).
			Where("id = ? AND used_at IS NULL", found.ID).
			Update("used_at", now)
		if result.Error != nil {
			return fmt.Errorf("failed to mark CLI auth code as used: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrCodeAlreadyUsed
		}

		found.UsedAt = &now
		record = found
		return nil
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("CLI auth code redemption failed", zap.Error(err))
		}
		return nil, nil, err
	}

	u, err := s.users.FindByID(record.UserID)
	if err != nil {
		return nil, nil, err
	}

	pair, err := issuer.Issue(u.ID, sessionInfo)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("token issuance failed after CLI code consumption",
				zap.Error(err),
				zap.Uint("user_id", u.ID))
		}
		return nil, nil, err
	}

	if s.logger != nil {
		s.logger.Info("CLI auth code redeemed", zap.Uint("user_id", u.ID))
	}

	if s.audit != nil {
		s.audit.Record(audit.ActionCLICodeRedeemed, u.ID, u.ID, map[string]any{
			"code_id": record.ID,
		})
	}

	return pair, u, nil
}

// MarkUsed consumes a code without minting tokens, for callers that issue
// tokens through their own path.
func (s *Service) MarkUsed(code string) error {
	record, err := s.find(s.db, code)
	if err != nil {
		return err
	}

	result := s.db.Model(&CliAuthCode{}).
		Where("id = ? AND used_at IS NULL", record.ID).
		Update("used_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("failed to mark CLI auth code as used: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCodeAlreadyUsed
	}
	return nil
}

// CleanupExpiredCodes removes expired codes and codes consumed longer ago
// than the retention window, bounding table growth.
func (s *Service) CleanupExpiredCodes() error {
	result := s.db.Where("expires_at < ?", time.Now()).Delete(&CliAuthCode{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired CLI auth codes: %w", result.Error)
	}
	removed := result.RowsAffected

	cutoff := time.Now().Add(-s.config.CLIAuth.UsedRetention)
	usedResult := s.db.Where("used_at IS NOT NULL AND used_at < ?", cutoff).Delete(&CliAuthCode{})
	if usedResult.Error != nil {
		return fmt.Errorf("failed to cleanup used CLI auth codes: %w", usedResult.Error)
	}
	removed += usedResult.RowsAffected

	if s.logger != nil && removed > 0 {
		s.logger.Info("CLI auth codes cleaned up", zap.Int64("codes_removed", removed))
	}
	return nil
}

func (s *Service) find(tx *gorm.DB, code string) (*CliAuthCode, error) {
	var record CliAuthCode
	err := tx.Where("code_hash = ?", s.hashCode(code)).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if s.logger != nil {
				s.logger.Warn("unknown CLI auth code presented")
			}
			return nil, ErrCodeInvalid
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if record.UsedAt != nil {
		return nil, ErrCodeAlreadyUsed
	}

	if time.Now().After(record.ExpiresAt) {
		return nil, ErrCodeExpired
	}

	return &record, nil
}

func (s *Service) generateCode() (string, error) {
	bytes := make([]byte, s.config.CLIAuth.CodeLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func (s *Service) hashCode(code string) string {
	hash := sha256.Sum256([]byte(code))
	return hex.EncodeToString(hash[:])
}
