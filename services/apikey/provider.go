package apikey

import (
	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideAPIKeyService(cfg *config.Config, db *gorm.DB, users *user.Service, auditSvc *audit.Service, logger *logging.Service) *Service {
	service := NewService(cfg, db, users, logger)
	if auditSvc != nil {
		service.SetAuditRecorder(auditSvc)
	}
	return service
}

var Options = fx.Options(
	fx.Provide(ProvideAPIKeyService),
)
