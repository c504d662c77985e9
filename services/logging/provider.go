package logging

import (
	"github.com/changeloghq/authkit/config"
	"go.uber.org/fx"
)

func ProvideLoggingService(cfg *config.Config) (*Service, error) {
	return NewService(Config{
		Level:      LogLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	})
}

var Options = fx.Options(
	fx.Provide(ProvideLoggingService),
)
