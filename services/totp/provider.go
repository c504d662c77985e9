package totp

import (
	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/logging"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideTOTPService(cfg *config.Config, db *gorm.DB, logger *logging.Service) *Service {
	return NewService(cfg, db, logger)
}

var Options = fx.Options(
	fx.Provide(ProvideTOTPService),
)
