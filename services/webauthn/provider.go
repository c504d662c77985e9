package webauthn

import (
	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideWebAuthnService(cfg *config.Config, db *gorm.DB, users *user.Service, auditSvc *audit.Service, logger *logging.Service) (*Service, error) {
	service, err := NewService(cfg, db, users, logger)
	if err != nil {
		return nil, err
	}
	if auditSvc != nil {
		service.SetAuditRecorder(auditSvc)
	}
	return service, nil
}

var Options = fx.Options(
	fx.Provide(ProvideWebAuthnService),
)
