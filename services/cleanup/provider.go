package cleanup

import (
	"context"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/apikey"
	"github.com/changeloghq/authkit/services/auth"
	"github.com/changeloghq/authkit/services/cliauth"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/refreshtoken"
	"github.com/changeloghq/authkit/services/totp"
	"github.com/changeloghq/authkit/services/twofactor"
	"github.com/changeloghq/authkit/services/user"
	"github.com/changeloghq/authkit/services/webauthn"
	"go.uber.org/fx"
)

func ProvideCleanupService(
	cfg *config.Config,
	logger *logging.Service,
	refreshTokens *refreshtoken.Service,
	authSvc *auth.Service,
	users *user.Service,
	totpSvc *totp.Service,
	apiKeys *apikey.Service,
	cliAuth *cliauth.Service,
	passkeys *webauthn.Service,
	twoFactor *twofactor.Service,
) *Service {
	return NewService(cfg, logger,
		Sweeper{Name: "refresh_tokens", Sweep: refreshTokens.CleanupExpiredTokens},
		Sweeper{Name: "password_reset_tokens", Sweep: authSvc.CleanupExpiredTokens},
		Sweeper{Name: "invitation_tokens", Sweep: users.CleanupExpiredInvitations},
		Sweeper{Name: "totp_used_codes", Sweep: totpSvc.CleanupUsedCodes},
		Sweeper{Name: "api_keys", Sweep: apiKeys.CleanupExpiredKeys},
		Sweeper{Name: "cli_auth_codes", Sweep: cliAuth.CleanupExpiredCodes},
		Sweeper{Name: "webauthn_challenges", Sweep: passkeys.CleanupExpiredChallenges},
		Sweeper{Name: "two_factor_sessions", Sweep: twoFactor.CleanupExpiredSessions},
	)
}

func RegisterLifecycle(lc fx.Lifecycle, service *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return service.Start()
		},
		OnStop: func(ctx context.Context) error {
			service.Stop()
			return nil
		},
	})
}

var Options = fx.Options(
	fx.Provide(ProvideCleanupService),
	fx.Invoke(RegisterLifecycle),
)
