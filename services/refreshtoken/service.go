package refreshtoken

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mileusna/useragent"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrRefreshTokenNotFound  = errors.New("refresh token not found")
	ErrRefreshTokenExpired   = errors.New("refresh token expired")
	ErrRefreshTokenReused    = errors.New("refresh token reuse detected")
	ErrTokenGenerationFailed = errors.New("failed to generate secure token")
)

// AccessTokenIssuer is the stateless half of the token pair.
type AccessTokenIssuer interface {
	GenerateToken(userID uint, role string) (string, error)
}

// RoleResolver looks up the role claim to embed in a freshly minted access
// token during rotation.
type RoleResolver interface {
	RoleForUser(userID uint) (string, error)
}

type Service struct {
	db     *gorm.DB
	config *config.Config
	audit  audit.Recorder
	logger *logging.Service
}

func NewService(db *gorm.DB, config *config.Config, logger *logging.Service) *Service {
	if logger != nil {
		logger.Info("initializing refresh token service",
			zap.Duration("token_expiry", config.RefreshToken.Expiry),
			zap.Int("token_length", config.RefreshToken.TokenLength))
	}

	return &Service{
		db:     db,
		config: config,
		logger: logger,
	}
}

func (s *Service) SetAuditRecorder(recorder audit.Recorder) {
	s.audit = recorder
}

// SessionInfoFromRequest derives device metadata for the stored token from
// the request's user agent.
func SessionInfoFromRequest(r *http.Request) TokenSessionInfo {
	info := TokenSessionInfo{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
	if info.UserAgent != "" {
		ua := useragent.Parse(info.UserAgent)
		info.DeviceInfo = map[string]any{
			"browser": ua.Name,
			"os":      ua.OS,
			"mobile":  ua.Mobile,
		}
	}
	return info
}

func (s *Service) GenerateRefreshToken(userID uint, sessionInfo TokenSessionInfo) (*RefreshTokenData, error) {
	token, err := s.generateSecureToken()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to generate secure refresh token", zap.Error(err))
		}
		return nil, ErrTokenGenerationFailed
	}

	tokenHash := s.hashToken(token)
	expiresAt := time.Now().Add(s.config.RefreshToken.Expiry)

	deviceInfoJSON := ""
	if sessionInfo.DeviceInfo != nil {
		if jsonBytes, err := json.Marshal(sessionInfo.DeviceInfo); err == nil {
			deviceInfoJSON = string(jsonBytes)
		}
	}

	refreshToken := RefreshToken{
		UserID:     userID,
		TokenHash:  tokenHash,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
		LastUsed:   time.Now(),
		DeviceInfo: deviceInfoJSON,
	}

	if err := s.db.Create(&refreshToken).Error; err != nil {
		if s.logger != nil {
			s.logger.Error("failed to store refresh token", zap.Error(err))
		}
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("refresh token generated",
			zap.Uint("user_id", userID),
			zap.Uint("token_id", refreshToken.ID),
			zap.Time("expires_at", expiresAt))
	}

	return &RefreshTokenData{
		Token:     token,
		TokenID:   refreshToken.ID,
		Hash:      tokenHash,
		ExpiresAt: expiresAt,
	}, nil
}

// ValidateRefreshToken resolves a presented token without consuming it.
// An invalidated token is reported as reuse, not as missing; expiry is benign.
func (s *Service) ValidateRefreshToken(tokenString string) (*RefreshToken, error) {
	tokenHash := s.hashToken(tokenString)

	var refreshToken RefreshToken
	err := s.db.Where("token_hash = ?", tokenHash).First(&refreshToken).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if s.logger != nil {
				s.logger.Warn("refresh token validation failed - token not found")
			}
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if refreshToken.Invalidated {
		if s.logger != nil {
			s.logger.Warn("refresh token validation failed - token already invalidated",
				zap.Uint("token_id", refreshToken.ID),
				zap.Uint("user_id", refreshToken.UserID))
		}
		return nil, ErrRefreshTokenReused
	}

	if time.Now().After(refreshToken.ExpiresAt) {
		if s.logger != nil {
			s.logger.Warn("refresh token validation failed - token expired",
				zap.Uint("token_id", refreshToken.ID),
				zap.Uint("user_id", refreshToken.UserID),
				zap.Time("expired_at", refreshToken.ExpiresAt))
		}
		return nil, ErrRefreshTokenExpired
	}

	return &refreshToken, nil
}

// ValidateAndRotateRefreshToken verifies a presented token and rotates it.
// The consume-and-mint step runs as one transaction; the guarded update on
// the invalidated flag is what arbitrates two concurrent rotations of the
// same token: exactly one wins, the loser observes zero affected rows and
// takes the reuse path.
//
// Reuse of an already-rotated token is treated as theft: every refresh token
// belonging to the user is invalidated, forcing full re-authentication on
// all devices.
func (s *Service) ValidateAndRotateRefreshToken(tokenString string, issuer AccessTokenIssuer, roles RoleResolver) (*TokenRotationResult, error) {
	tokenHash := s.hashToken(tokenString)
	now := time.Now()

	var oldToken RefreshToken
	if err := s.db.Where("token_hash = ?", tokenHash).First(&oldToken).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if s.logger != nil {
				s.logger.Warn("refresh token rotation failed - token not found")
			}
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if oldToken.Invalidated {
		return nil, s.handleReuse(&oldToken)
	}

	if now.After(oldToken.ExpiresAt) {
		// Benign: the sweep reclaims it by expires_at. Do not punish the
		// rest of the user's sessions.
		return nil, ErrRefreshTokenExpired
	}

	// Resolved outside the transaction so the read does not compete with
	// the connection the transaction holds.
	role := ""
	if roles != nil {
		r, err := roles.RoleForUser(oldToken.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user role: %w", err)
		}
		role = r
	}

	var result *TokenRotationResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&RefreshToken{}).
			Where("id = ? AND invalidated = ?", oldToken.ID, false).
			Updates(map[string]any{"invalidated": true, "rotated_at": now, "last_used": now})
		if update.Error != nil {
			return fmt.Errorf("failed to rotate refresh token: %w", update.Error)
		}
		if update.RowsAffected == 0 {
			// Lost the race against a concurrent rotate.
			return ErrRefreshTokenReused
		}

		accessToken, err := issuer.GenerateToken(oldToken.UserID, role)
		if err != nil {
			return fmt.Errorf("failed to generate new access token: %w", err)
		}

		newToken, err := s.generateSecureToken()
		if err != nil {
			return ErrTokenGenerationFailed
		}

		newRow := RefreshToken{
			UserID:     oldToken.UserID,
			TokenHash:  s.hashToken(newToken),
			ExpiresAt:  now.Add(s.config.RefreshToken.Expiry),
			CreatedAt:  now,
			LastUsed:   now,
			DeviceInfo: oldToken.DeviceInfo,
		}
		if err := tx.Create(&newRow).Error; err != nil {
			return fmt.Errorf("failed to store rotated refresh token: %w", err)
		}

		result = &TokenRotationResult{
			AccessToken:    accessToken,
			RefreshToken:   newToken,
			RefreshTokenID: newRow.ID,
			OldTokenID:     oldToken.ID,
			UserID:         oldToken.UserID,
			ExpiresAt:      newRow.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshTokenReused) {
			return nil, s.handleReuse(&oldToken)
		}
		if s.logger != nil {
			s.logger.Warn("refresh token rotation failed", zap.Error(err))
		}
		return nil, err
	}

	if s.logger != nil {
		s.logger.Info("refresh token rotated",
			zap.Uint("user_id", result.UserID),
			zap.Uint("old_token_id", result.OldTokenID),
			zap.Uint("new_token_id", result.RefreshTokenID))
	}

	return result, nil
}

// handleReuse invalidates the whole family on s.db, never on a transaction
// that the returned sentinel would roll back: the containment must outlive
// the failed rotation.
func (s *Service) handleReuse(token *RefreshToken) error {
	result := s.db.Model(&RefreshToken{}).
		Where("user_id = ?", token.UserID).
		Update("invalidated", true)
	if result.Error != nil {
		return fmt.Errorf("failed to invalidate token family: %w", result.Error)
	}

	if s.logger != nil {
		s.logger.Warn("refresh token reuse detected - all user sessions invalidated",
			zap.Uint("user_id", token.UserID),
			zap.Uint("token_id", token.ID),
			zap.Int64("tokens_invalidated", result.RowsAffected))
	}

	if s.audit != nil {
		s.audit.Record(audit.ActionRefreshTokenReuse, token.UserID, token.UserID, map[string]any{
			"token_id":           token.ID,
			"tokens_invalidated": result.RowsAffected,
		})
	}

	return ErrRefreshTokenReused
}

func (s *Service) RevokeRefreshToken(tokenString string) error {
	tokenHash := s.hashToken(tokenString)
	result := s.db.Model(&RefreshToken{}).
		Where("token_hash = ?", tokenHash).
		Update("invalidated", true)

	if result.Error != nil {
		if s.logger != nil {
			s.logger.Error("failed to revoke refresh token", zap.Error(result.Error))
		}
		return fmt.Errorf("failed to revoke refresh token: %w", result.Error)
	}

	if s.logger != nil {
		s.logger.Info("refresh token revoked",
			zap.Int64("affected_rows", result.RowsAffected))
	}

	return nil
}

// InvalidateAllUserRefreshTokens is the logout-everywhere primitive, also
// called on password change and reset.
func (s *Service) InvalidateAllUserRefreshTokens(userID uint) error {
	result := s.db.Model(&RefreshToken{}).
		Where("user_id = ? AND invalidated = ?", userID, false).
		Update("invalidated", true)

	if result.Error != nil {
		if s.logger != nil {
			s.logger.Error("failed to invalidate all user refresh tokens",
				zap.Error(result.Error),
				zap.Uint("user_id", userID))
		}
		return fmt.Errorf("failed to invalidate all user refresh tokens: %w", result.Error)
	}

	if s.logger != nil {
		s.logger.Info("all user refresh tokens invalidated",
			zap.Uint("user_id", userID),
			zap.Int64("count", result.RowsAffected))
	}

	return nil
}

func (s *Service) ListUserSessions(userID uint) ([]RefreshToken, error) {
	var tokens []RefreshToken
	err := s.db.Where("user_id = ? AND invalidated = ? AND expires_at > ?", userID, false, time.Now()).
		Order("last_used DESC").
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	return tokens, nil
}

func (s *Service) UpdateLastUsed(tokenID uint) error {
	err := s.db.Model(&RefreshToken{}).
		Where("id = ?", tokenID).
		Update("last_used", time.Now()).Error

	if err != nil && s.logger != nil {
		s.logger.Warn("failed to update refresh token last used time",
			zap.Error(err),
			zap.Uint("token_id", tokenID))
	}

	return err
}

// CleanupExpiredTokens removes expired rows and invalidated rows past the
// retention window. Invalidated rows inside the window stay as reuse
// tripwires.
func (s *Service) CleanupExpiredTokens() error {
	result := s.db.Where("expires_at < ?", time.Now()).Delete(&RefreshToken{})
	if result.Error != nil {
		if s.logger != nil {
			s.logger.Error("failed to cleanup expired refresh tokens", zap.Error(result.Error))
		}
		return fmt.Errorf("failed to cleanup expired tokens: %w", result.Error)
	}
	removed := result.RowsAffected

	cutoff := time.Now().Add(-s.config.RefreshToken.InvalidatedMaxAge)
	staleResult := s.db.Where("invalidated = ? AND rotated_at IS NOT NULL AND rotated_at < ?", true, cutoff).
		Delete(&RefreshToken{})
	if staleResult.Error != nil {
		return fmt.Errorf("failed to cleanup invalidated tokens: %w", staleResult.Error)
	}
	removed += staleResult.RowsAffected

	if s.logger != nil && removed > 0 {
		s.logger.Info("cleaned up refresh tokens", zap.Int64("count", removed))
	}

	return nil
}

func (s *Service) generateSecureToken() (string, error) {
	tokenBytes := make([]byte, s.config.RefreshToken.TokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tokenBytes), nil
}

func (s *Service) hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
