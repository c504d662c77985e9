package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/apikey"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/auth"
	"github.com/changeloghq/authkit/services/cleanup"
	"github.com/changeloghq/authkit/services/cliauth"
	"github.com/changeloghq/authkit/services/jwt"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/oauth"
	"github.com/changeloghq/authkit/services/refreshtoken"
	"github.com/changeloghq/authkit/services/token"
	"github.com/changeloghq/authkit/services/totp"
	"github.com/changeloghq/authkit/services/twofactor"
	"github.com/changeloghq/authkit/services/user"
	"github.com/changeloghq/authkit/services/webauthn"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// App owns the wired service graph. Hosts embed it behind their own HTTP
// layer; the library itself exposes no routes.
type App struct {
	fx     *fx.App
	config *config.Config
	logger *logging.Service
	db     *gorm.DB

	users         *user.Service
	auth          *auth.Service
	jwt           *jwt.Service
	refreshTokens *refreshtoken.Service
	tokens        *token.Service
	totp          *totp.Service
	apiKeys       *apikey.Service
	cliAuth       *cliauth.Service
	oauth         *oauth.Service
	webAuthn      *webauthn.Service
	twoFactor     *twofactor.Service
	audit         *audit.Service
	cleanup       *cleanup.Service
}

func (a *App) capture(
	users *user.Service,
	authSvc *auth.Service,
	jwtSvc *jwt.Service,
	refreshTokens *refreshtoken.Service,
	tokens *token.Service,
	totpSvc *totp.Service,
	apiKeys *apikey.Service,
	cliAuth *cliauth.Service,
	oauthSvc *oauth.Service,
	webAuthn *webauthn.Service,
	twoFactor *twofactor.Service,
	auditSvc *audit.Service,
	cleanupSvc *cleanup.Service,
) {
	a.users = users
	a.auth = authSvc
	a.jwt = jwtSvc
	a.refreshTokens = refreshTokens
	a.tokens = tokens
	a.totp = totpSvc
	a.apiKeys = apiKeys
	a.cliAuth = cliAuth
	a.oauth = oauthSvc
	a.webAuthn = webAuthn
	a.twoFactor = twoFactor
	a.audit = auditSvc
	a.cleanup = cleanupSvc
}

func (a *App) Start() error {
	return a.fx.Start(context.Background())
}

func (a *App) Run() {
	if err := a.Start(); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	if a.logger != nil {
		a.logger.Info("Received shutdown signal, stopping gracefully...")
	}

	a.Stop()
}

func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.fx.Stop(ctx); err != nil {
		if a.logger != nil {
			a.logger.Error("Failed to stop application gracefully")
		} else {
			log.Printf("Failed to stop application gracefully: %v", err)
		}
	}
}

func (a *App) Config() *config.Config { return a.config }

func (a *App) Logger() *logging.Service { return a.logger }

func (a *App) DB() *gorm.DB { return a.db }

func (a *App) Users() *user.Service { return a.users }

func (a *App) Auth() *auth.Service { return a.auth }

func (a *App) JWT() *jwt.Service { return a.jwt }

func (a *App) RefreshTokens() *refreshtoken.Service { return a.refreshTokens }

func (a *App) Tokens() *token.Service { return a.tokens }

func (a *App) TOTP() *totp.Service { return a.totp }

func (a *App) APIKeys() *apikey.Service { return a.apiKeys }

func (a *App) CLIAuth() *cliauth.Service { return a.cliAuth }

func (a *App) OAuth() *oauth.Service { return a.oauth }

func (a *App) WebAuthn() *webauthn.Service { return a.webAuthn }

func (a *App) TwoFactor() *twofactor.Service { return a.twoFactor }

func (a *App) Audit() *audit.Service { return a.audit }

func (a *App) Cleanup() *cleanup.Service { return a.cleanup }
