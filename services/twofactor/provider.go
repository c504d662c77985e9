package twofactor

import (
	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/auth"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/totp"
	"github.com/changeloghq/authkit/services/user"
	"github.com/changeloghq/authkit/services/webauthn"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideTwoFactorService(cfg *config.Config, db *gorm.DB, users *user.Service, authSvc *auth.Service, totpSvc *totp.Service, passkeys *webauthn.Service, auditSvc *audit.Service, logger *logging.Service) *Service {
	service := NewService(cfg, db, users, authSvc, totpSvc, passkeys, logger)
	if auditSvc != nil {
		service.SetAuditRecorder(auditSvc)
	}
	return service
}

var Options = fx.Options(
	fx.Provide(ProvideTwoFactorService),
)
