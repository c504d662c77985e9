package token

import (
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/jwt"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/refreshtoken"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/zap"
)

// Pair is the access/refresh token pair every authentication modality
// terminates in.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Service composes the stateless access-token signer with the stateful
// refresh-token store. It is the only component that mints the pair.
type Service struct {
	config  *config.Config
	jwt     *jwt.Service
	refresh *refreshtoken.Service
	users   *user.Service
	logger  *logging.Service
}

func NewService(cfg *config.Config, jwtSvc *jwt.Service, refreshSvc *refreshtoken.Service, users *user.Service, logger *logging.Service) *Service {
	return &Service{
		config:  cfg,
		jwt:     jwtSvc,
		refresh: refreshSvc,
		users:   users,
		logger:  logger,
	}
}

// RoleForUser satisfies refreshtoken.RoleResolver.
func (s *Service) RoleForUser(userID uint) (string, error) {
	u, err := s.users.FindByID(userID)
	if err != nil {
		return "", err
	}
	return u.Role, nil
}

func (s *Service) Issue(userID uint, sessionInfo refreshtoken.TokenSessionInfo) (*Pair, error) {
	role, err := s.RoleForUser(userID)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.jwt.GenerateToken(userID, role)
	if err != nil {
		return nil, err
	}

	refreshData, err := s.refresh.GenerateRefreshToken(userID, sessionInfo)
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Info("token pair issued", zap.Uint("user_id", userID))
	}

	return &Pair{
		AccessToken:      accessToken,
		RefreshToken:     refreshData.Token,
		AccessExpiresAt:  time.Now().Add(s.config.JWT.AccessExpiry),
		RefreshExpiresAt: refreshData.ExpiresAt,
	}, nil
}

// VerifyAccess is a pure signature and expiry check; no database round trip.
func (s *Service) VerifyAccess(accessToken string) (*jwt.Claims, error) {
	return s.jwt.ValidateToken(accessToken)
}

func (s *Service) Rotate(refreshToken string) (*Pair, *user.User, error) {
	result, err := s.refresh.ValidateAndRotateRefreshToken(refreshToken, s.jwt, s)
	if err != nil {
		return nil, nil, err
	}

	u, err := s.users.FindByID(result.UserID)
	if err != nil {
		return nil, nil, err
	}

	return &Pair{
		AccessToken:      result.AccessToken,
		RefreshToken:     result.RefreshToken,
		AccessExpiresAt:  time.Now().Add(s.config.JWT.AccessExpiry),
		RefreshExpiresAt: result.ExpiresAt,
	}, u, nil
}

func (s *Service) InvalidateAll(userID uint) error {
	return s.refresh.InvalidateAllUserRefreshTokens(userID)
}
