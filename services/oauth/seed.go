package oauth

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Providers []seedProvider `yaml:"providers"`
}

type seedProvider struct {
	Name         string   `yaml:"name"`
	DisplayName  string   `yaml:"display_name"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"user_info_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	Default      bool     `yaml:"default"`
	Enabled      *bool    `yaml:"enabled"`
}

// SeedFromFile registers providers declared in the configured YAML file.
// Providers that already exist are left untouched, so the file can stay in
// place across restarts.
func (s *Service) SeedFromFile() error {
	path := s.config.OAuth.ProvidersFile
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read providers file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse providers file: %w", err)
	}

	for _, sp := range seed.Providers {
		enabled := true
		if sp.Enabled != nil {
			enabled = *sp.Enabled
		}

		_, err := s.CreateProvider(NewProvider{
			Name:         sp.Name,
			DisplayName:  sp.DisplayName,
			ClientID:     sp.ClientID,
			ClientSecret: sp.ClientSecret,
			AuthURL:      sp.AuthURL,
			TokenURL:     sp.TokenURL,
			UserInfoURL:  sp.UserInfoURL,
			RedirectURL:  sp.RedirectURL,
			Scopes:       sp.Scopes,
			IsDefault:    sp.Default,
			Enabled:      enabled,
		})
		if errors.Is(err, ErrProviderExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to seed provider %q: %w", sp.Name, err)
		}

		if s.logger != nil {
			s.logger.Info("OAuth provider seeded", zap.String("provider", sp.Name))
		}
	}

	return nil
}
