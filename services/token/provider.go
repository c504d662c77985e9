package token

import (
	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/jwt"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/refreshtoken"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/fx"
)

func ProvideTokenService(cfg *config.Config, jwtSvc *jwt.Service, refreshSvc *refreshtoken.Service, users *user.Service, logger *logging.Service) *Service {
	return NewService(cfg, jwtSvc, refreshSvc, users, logger)
}

var Options = fx.Options(
	fx.Provide(ProvideTokenService),
)
