package jwt

import (
	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/logging"
	"go.uber.org/fx"
)

func ProvideJWTService(cfg *config.Config, logger *logging.Service) *Service {
	return NewService(cfg, logger)
}

var Options = fx.Options(
	fx.Provide(ProvideJWTService),
)
