package oauth

import (
	"context"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideOAuthService(cfg *config.Config, db *gorm.DB, users *user.Service, auditSvc *audit.Service, logger *logging.Service) *Service {
	service := NewService(cfg, db, users, logger)
	if auditSvc != nil {
		service.SetAuditRecorder(auditSvc)
	}
	return service
}

var Options = fx.Options(
	fx.Provide(ProvideOAuthService),
)

// SeedInvoke registers the provider seed file load as a startup hook.
func SeedInvoke() fx.Option {
	return fx.Invoke(func(lc fx.Lifecycle, service *Service) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return service.SeedFromFile()
			},
		})
	})
}
