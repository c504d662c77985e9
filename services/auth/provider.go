package auth

import (
	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideAuthService(cfg *config.Config, db *gorm.DB, users *user.Service, logger *logging.Service) *Service {
	return NewService(cfg, db, users, logger)
}

var Options = fx.Options(
	fx.Provide(ProvideAuthService),
)
