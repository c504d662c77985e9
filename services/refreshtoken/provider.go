package refreshtoken

import (
	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/logging"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideRefreshTokenService(db *gorm.DB, config *config.Config, auditSvc *audit.Service, logger *logging.Service) *Service {
	service := NewService(db, config, logger)
	if auditSvc != nil {
		service.SetAuditRecorder(auditSvc)
	}
	return service
}

var Options = fx.Options(
	fx.Provide(ProvideRefreshTokenService),
)
