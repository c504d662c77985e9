package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidAPIKey       = errors.New("invalid API key")
	ErrAPIKeyNotFound      = errors.New("API key not found")
	ErrKeyGenerationFailed = errors.New("failed to generate secure API key")
)

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

// HasPrefix reports whether a bearer token looks like an API key, so the
// transport layer can route it here before trying access-token validation.
func (s *Service) HasPrefix(bearerToken string) bool {
	return strings.HasPrefix(bearerToken, s.config.APIKey.Prefix)
}

func (s *Service) Generate(userID uint, name string, permissions []string, expiresAt *time.Time) (*GeneratedKey, error) {
	secret, err := s.generateSecret()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to generate API key secret", zap.Error(err))
		}
		return nil, ErrKeyGenerationFailed
	}

	key := s.config.APIKey.Prefix + secret
	record := &ApiKey{
		UserID:      userID,
		Name:        name,
		KeyPrefix:   key[:len(s.config.APIKey.Prefix)+4],
		KeyHash:     s.hashKey(key),
		Permissions: strings.Join(permissions, ","),
		ExpiresAt:   expiresAt,
		Revoked:     false,
	}

	if err := s.db.Create(record).Error; err != nil {
		if s.logger != nil {
			s.logger.Error("failed to store API key", zap.Error(err), zap.Uint("user_id", userID))
		}
		return nil, fmt.Errorf("failed to store API key: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("API key created",
			zap.Uint("user_id", userID),
			zap.Uint("key_id", record.ID),
			zap.String("key_prefix", record.KeyPrefix))
	}

	if s.audit != nil {
		s.audit.Record(audit.ActionAPIKeyCreated, userID, record.ID, map[string]any{
			"name":   name,
			"prefix": record.KeyPrefix,
		})
	}

	return &GeneratedKey{Key: key, Record: record}, nil
}

// Validate checks a presented bearer key against the store. Revoked and
// expired keys fail with the same generic error as unknown keys; only the
// logs and the audit trail tell them apart. Revoked-key use is a security
// event.
func (s *Service) Validate(bearerToken string) (*Principal, error) {
	if !s.HasPrefix(bearerToken) {
		return nil, ErrInvalidAPIKey
	}

	var key ApiKey
	err := s.db.Where("key_hash = ?", s.hashKey(bearerToken)).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if s.logger != nil {
				s.logger.Warn("API key validation failed - key not found")
			}
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if key.Revoked {
		if s.logger != nil {
			s.logger.Warn("revoked API key presented",
				zap.Uint("key_id", key.ID),
				zap.Uint("user_id", key.UserID))
		}
		if s.audit != nil {
			s.audit.Record(audit.ActionRevokedAPIKeyUse, key.UserID, key.ID, map[string]any{
				"prefix": key.KeyPrefix,
			})
		}
		return nil, ErrInvalidAPIKey
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		if s.logger != nil {
			s.logger.Warn("expired API key presented",
				zap.Uint("key_id", key.ID),
				zap.Time("expired_at", *key.ExpiresAt))
		}
		return nil, ErrInvalidAPIKey
	}

	u, err := s.users.FindByID(key.UserID)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	// Best effort; a failed touch never fails the authentication.
	now := time.Now()
	if err := s.db.Model(&ApiKey{}).Where("id = ?", key.ID).Update("last_used_at", now).Error; err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to update API key last used time",
				zap.Error(err),
				zap.Uint("key_id", key.ID))
		}
	}

	return &Principal{
		UserID: u.ID,
		Role:   u.Role,
		Kind:   PrincipalKindAPIKey,
		KeyID:  key.ID,
	}, nil
}

// Revoke latches the key. There is no corresponding un-revoke: the update
// contract below never touches the revoked column.
func (s *Service) Revoke(userID, keyID uint) error {
	result := s.db.Model(&ApiKey{}).
		Where("id = ? AND user_id = ?", keyID, userID).
		Update("revoked", true)
	if result.Error != nil {
		return fmt.Errorf("failed to revoke API key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAPIKeyNotFound
	}

	if s.logger != nil {
		s.logger.Info("API key revoked", zap.Uint("key_id", keyID), zap.Uint("user_id", userID))
	}

	if s.audit != nil {
		s.audit.Record(audit.ActionAPIKeyRevoked, userID, keyID, nil)
	}

	return nil
}

// Update renames a key or adjusts its permissions. It deliberately cannot
// modify the revoked flag, which keeps revocation one-way even against a
// buggy or malicious caller of this API.
func (s *Service) Update(userID, keyID uint, name string, permissions []string) error {
	updates := map[string]any{}
	if name != "" {
		updates["name"] = name
	}
	if permissions != nil {
		updates["permissions"] = strings.Join(permissions, ",")
	}
	if len(updates) == 0 {
		return nil
	}

	result := s.db.Model(&ApiKey{}).
		Where("id = ? AND user_id = ?", keyID, userID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update API key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

func (s *Service) Delete(userID, keyID uint) error {
	result := s.db.Where("id = ? AND user_id = ?", keyID, userID).Delete(&ApiKey{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete API key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

func (s *Service) ListForUser(userID uint) ([]ApiKey, error) {
	var keys []ApiKey
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	return keys, nil
}

func (s *Service) CleanupExpiredKeys() error {
	result := s.db.Where("expires_at IS NOT NULL AND expires_at < ?", time.Now()).Delete(&ApiKey{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired API keys: %w", result.Error)
	}

	if s.logger != nil && result.RowsAffected > 0 {
		s.logger.Info("expired API keys cleaned up", zap.Int64("keys_removed", result.RowsAffected))
	}
	return nil
}

func (s *Service) generateSecret() (string, error) {
	bytes := make([]byte, s.config.APIKey.TokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func (s *Service) hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
