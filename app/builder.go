package app

import (
	"fmt"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/database"
	"github.com/changeloghq/authkit/internal/options"
	"github.com/changeloghq/authkit/services/apikey"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/auth"
	"github.com/changeloghq/authkit/services/cleanup"
	"github.com/changeloghq/authkit/services/cliauth"
	"github.com/changeloghq/authkit/services/jwt"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/mail"
	"github.com/changeloghq/authkit/services/oauth"
	"github.com/changeloghq/authkit/services/refreshtoken"
	"github.com/changeloghq/authkit/services/token"
	"github.com/changeloghq/authkit/services/totp"
	"github.com/changeloghq/authkit/services/twofactor"
	"github.com/changeloghq/authkit/services/user"
	"github.com/changeloghq/authkit/services/webauthn"
	"go.uber.org/fx"
)

type AppBuilder struct {
	config     *config.Config
	enableMail bool
	models     []any
	fxOptions  []fx.Option
	errors     []error
}

func NewApp() *AppBuilder {
	return &AppBuilder{
		models:    make([]any, 0),
		fxOptions: make([]fx.Option, 0),
		errors:    make([]error, 0),
	}
}

func (b *AppBuilder) WithConfig(cfg *config.Config) *AppBuilder {
	if cfg == nil {
		b.addError("config cannot be nil")
		return b
	}
	b.config = cfg
	return b
}

func (b *AppBuilder) WithAutoConfig() *AppBuilder {
	cfg := &config.Config{}
	if err := config.LoadConfig(cfg); err != nil {
		b.addError(fmt.Sprintf("failed to load config: %v", err))
		return b
	}
	b.config = cfg
	return b
}

func (b *AppBuilder) WithMail() *AppBuilder {
	b.enableMail = true
	return b
}

// WithModels adds application-owned models to the auto-migration set.
func (b *AppBuilder) WithModels(models ...any) *AppBuilder {
	b.models = append(b.models, models...)
	return b
}

func (b *AppBuilder) WithFxOptions(opts ...fx.Option) *AppBuilder {
	b.fxOptions = append(b.fxOptions, opts...)
	return b
}

func (b *AppBuilder) Build() (*App, error) {
	if len(b.errors) > 0 {
		return nil, fmt.Errorf("configuration errors: %v", b.errors)
	}

	if b.config == nil {
		b.WithAutoConfig()
		if len(b.errors) > 0 {
			return nil, fmt.Errorf("configuration errors: %v", b.errors)
		}
	}

	logger, err := logging.NewService(logging.Config{
		Level:      logging.LogLevel(b.config.Log.Level),
		Format:     b.config.Log.Format,
		OutputPath: b.config.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	models := append(coreModels(), b.models...)
	db, err := database.ProvideDatabase(*b.config, database.WithModels(models...), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app := &App{
		config: b.config,
		logger: logger,
		db:     db,
	}

	fxOptions := []fx.Option{
		fx.Supply(b.config),
		fx.Supply(logger),
		fx.Supply(db),
		fx.NopLogger,
		audit.Options,
		user.Options,
		auth.Options,
		jwt.Options,
		refreshtoken.Options,
		token.Options,
		totp.Options,
		apikey.Options,
		cliauth.Options,
		oauth.Options,
		webauthn.Options,
		twofactor.Options,
		cleanup.Options,
	}

	if b.enableMail {
		fxOptions = append(fxOptions, mail.Options)
		fxOptions = append(fxOptions, fx.Invoke(func(authSvc *auth.Service, mailSvc *mail.Service) {
			authSvc.SetMailService(mailSvc)
		}))
	}

	// Password changes and resets must revoke every live session.
	fxOptions = append(fxOptions, fx.Invoke(func(authSvc *auth.Service, refreshSvc *refreshtoken.Service) {
		authSvc.SetSessionInvalidator(refreshSvc)
	}))

	fxOptions = append(fxOptions, fx.Invoke(app.capture))
	fxOptions = append(fxOptions, oauth.SeedInvoke())
	fxOptions = append(fxOptions, b.fxOptions...)

	app.fx = fx.New(fxOptions...)
	return app, nil
}

func (b *AppBuilder) addError(msg string) {
	b.errors = append(b.errors, fmt.Errorf("%s", msg))
}

// New builds an App from functional options, for callers that prefer that
// style over the builder.
func New(opts ...options.Option) (*App, error) {
	collected := &options.Options{}
	for _, opt := range opts {
		opt(collected)
	}

	builder := NewApp()
	if collected.Config != nil {
		builder.WithConfig(collected.Config)
	}
	if collected.EnableMail {
		builder.WithMail()
	}
	if len(collected.ExtraModels) > 0 {
		builder.WithModels(collected.ExtraModels...)
	}
	for _, fxOpt := range collected.ExtraFxOptions {
		if opt, ok := fxOpt.(fx.Option); ok {
			builder.WithFxOptions(opt)
		}
	}

	return builder.Build()
}

func coreModels() []any {
	return []any{
		&user.User{},
		&user.InvitationToken{},
		&auth.PasswordResetToken{},
		&refreshtoken.RefreshToken{},
		&totp.TOTPSecret{},
		&totp.UsedCode{},
		&apikey.ApiKey{},
		&cliauth.CliAuthCode{},
		&webauthn.Passkey{},
		&webauthn.ChallengeSession{},
		&twofactor.PendingSession{},
		&oauth.Provider{},
		&oauth.Connection{},
		&audit.Entry{},
	}
}
