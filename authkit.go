// Package authkit is an authentication and session-lifecycle core: rotating
// refresh tokens with reuse detection, stateless access tokens, OAuth
// federation, WebAuthn passkeys, API keys, CLI device codes, and two-factor
// chaining, wired together behind a single app builder.
package authkit

import (
	"github.com/changeloghq/authkit/app"
	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/internal/options"
)

type App = app.App

func New(opts ...options.Option) (*App, error) {
	return app.New(opts...)
}

func WithConfig(cfg *config.Config) options.Option {
	return options.WithConfig(cfg)
}

func WithMail() options.Option {
	return options.WithMail()
}

func WithModels(models ...any) options.Option {
	return options.WithModels(models...)
}

func WithFxOptions(fxOpts ...any) options.Option {
	return options.WithFxOptions(fxOpts...)
}
