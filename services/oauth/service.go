package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/user"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

var (
	ErrProviderNotFound   = errors.New("OAuth provider not found")
	ErrProviderDisabled   = errors.New("OAuth provider is disabled")
	ErrProviderExists     = errors.New("OAuth provider already exists")
	ErrConnectionNotFound = errors.New("OAuth connection not found")
	ErrInvalidState       = errors.New("invalid OAuth state")
	ErrInvalidRedirect    = errors.New("redirect target must be a same-origin relative path")
	ErrIncompleteUserInfo = errors.New("provider response is missing subject or email")
	ErrNoDefaultProvider  = errors.New("no default OAuth provider configured")
)

// State rides through the provider round trip. Redirect is re-validated on
// the way back; the nonce binds the callback to the initiation.
type State struct {
	Redirect string `json:"redirect"`
	Nonce    string `json:"nonce"`
}

type Service struct {
	config *config.Config
	db     *gorm.DB
	users  *user.Service
	audit  audit.Recorder
	logger *logging.Service
}

func NewService(cfg *config.Config, db *gorm.DB, users *user.Service, logger *logging.Service) *Service {
	return &Service{
		config: cfg,
		db:     db,
		users:  users,
		logger: logger,
	}
}

func (s *Service) SetAuditRecorder(recorder audit.Recorder) {
	s.audit = recorder
}

func (s *Service) CreateProvider(np NewProvider) (*Provider, error) {
	secretEnc, err := encryptSecret(np.ClientSecret, s.config.OAuth.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	provider := &Provider{
		Name:            strings.ToLower(np.Name),
		DisplayName:     np.DisplayName,
		ClientID:        np.ClientID,
		ClientSecretEnc: secretEnc,
		AuthURL:         np.AuthURL,
		TokenURL:        np.TokenURL,
		UserInfoURL:     np.UserInfoURL,
		RedirectURL:     np.RedirectURL,
		Scopes:          strings.Join(np.Scopes, ","),
		Enabled:         np.Enabled,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(provider).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrProviderExists
			}
			return fmt.Errorf("failed to store OAuth provider: %w", err)
		}

		if np.IsDefault {
			return setDefault(tx, provider.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if np.IsDefault {
		provider.IsDefault = true
	}

	if s.logger != nil {
		s.logger.Info("OAuth provider registered",
			zap.String("provider", provider.Name),
			zap.Bool("default", np.IsDefault))
	}

	return provider, nil
}

func (s *Service) GetProvider(name string) (*Provider, error) {
	var provider Provider
	err := s.db.Where("name = ?", strings.ToLower(name)).First(&provider).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &provider, nil
}

func (s *Service) GetDefaultProvider() (*Provider, error) {
	var provider Provider
	err := s.db.Where("is_default = ?", true).First(&provider).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoDefaultProvider
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &provider, nil
}

func (s *Service) ListProviders() ([]Provider, error) {
	var providers []Provider
	if err := s.db.Order("name ASC").Find(&providers).Error; err != nil {
		return nil, fmt.Errorf("failed to list OAuth providers: %w", err)
	}
	return providers, nil
}

// SetDefaultProvider makes exactly one provider the default. Clearing the
// old flag and setting the new one commit together.
func (s *Service) SetDefaultProvider(name string) error {
	provider, err := s.GetProvider(name)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		return setDefault(tx, provider.ID)
	})
}

func setDefault(tx *gorm.DB, providerID uint) error {
	if err := tx.Model(&Provider{}).Where("is_default = ?", true).Update("is_default", false).Error; err != nil {
		return fmt.Errorf("failed to clear default provider: %w", err)
	}
	if err := tx.Model(&Provider{}).Where("id = ?", providerID).Update("is_default", true).Error; err != nil {
		return fmt.Errorf("failed to set default provider: %w", err)
	}
	return nil
}

func (s *Service) SetProviderEnabled(name string, enabled bool) error {
	result := s.db.Model(&Provider{}).Where("name = ?", strings.ToLower(name)).Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("failed to update OAuth provider: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrProviderNotFound
	}
	return nil
}

func (s *Service) DeleteProvider(name string) error {
	provider, err := s.GetProvider(name)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider_id = ?", provider.ID).Delete(&Connection{}).Error; err != nil {
			return fmt.Errorf("failed to delete provider connections: %w", err)
		}
		if err := tx.Where("id = ?", provider.ID).Delete(&Provider{}).Error; err != nil {
			return fmt.Errorf("failed to delete OAuth provider: %w", err)
		}
		return nil
	})
}

// BuildAuthorizationURL starts the authorization-code flow. The redirect
// target is validated here and again on the way back.
func (s *Service) BuildAuthorizationURL(providerName, redirectTo string) (string, error) {
	if err := validateRedirect(redirectTo); err != nil {
		return "", err
	}

	provider, err := s.GetProvider(providerName)
	if err != nil {
		return "", err
	}
	if !provider.Enabled {
		return "", ErrProviderDisabled
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}

	statePayload, err := json.Marshal(State{
		Redirect: redirectTo,
		Nonce:    base64.RawURLEncoding.EncodeToString(nonceBytes),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(statePayload)

	cfg, err := s.oauth2Config(provider)
	if err != nil {
		return "", err
	}

	return cfg.AuthCodeURL(state), nil
}

// DecodeState unpacks and re-validates the state parameter. Anything that
// fails to decode, or carries a non-relative redirect, is rejected.
func (s *Service) DecodeState(state string) (*State, error) {
	payload, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return nil, ErrInvalidState
	}

	var decoded State
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, ErrInvalidState
	}
	if decoded.Nonce == "" {
		return nil, ErrInvalidState
	}

	if err := validateRedirect(decoded.Redirect); err != nil {
		return nil, err
	}

	return &decoded, nil
}

// HandleCallback exchanges the authorization code, fetches the user info
// document, and links or creates the local account. The whole upstream
// round trip runs under the configured request timeout.
func (s *Service) HandleCallback(ctx context.Context, providerName, code, state string) (*user.User, string, error) {
	decoded, err := s.DecodeState(state)
	if err != nil {
		return nil, "", err
	}

	provider, err := s.GetProvider(providerName)
	if err != nil {
		return nil, "", err
	}
	if !provider.Enabled {
		return nil, "", ErrProviderDisabled
	}

	cfg, err := s.oauth2Config(provider)
	if err != nil {
		return nil, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.OAuth.RequestTimeout)
	defer cancel()

	oauthToken, err := cfg.Exchange(ctx, code)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("OAuth code exchange failed",
				zap.Error(err),
				zap.String("provider", provider.Name))
		}
		return nil, "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	subject, email, err := s.fetchUserInfo(ctx, cfg, oauthToken, provider)
	if err != nil {
		return nil, "", err
	}

	u, err := s.linkAccount(provider, subject, email)
	if err != nil {
		return nil, "", err
	}

	if s.logger != nil {
		s.logger.Info("OAuth login completed",
			zap.Uint("user_id", u.ID),
			zap.String("provider", provider.Name))
	}

	if s.audit != nil {
		s.audit.Record(audit.ActionOAuthLogin, u.ID, u.ID, map[string]any{
			"provider": provider.Name,
		})
	}

	return u, decoded.Redirect, nil
}

func (s *Service) fetchUserInfo(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token, provider *Provider) (string, string, error) {
	client := cfg.Client(ctx, token)

	resp, err := client.Get(provider.UserInfoURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if s.logger != nil {
			s.logger.Warn("user info request rejected",
				zap.String("provider", provider.Name),
				zap.Int("status", resp.StatusCode))
		}
		return "", "", fmt.Errorf("user info request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var userInfo map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return "", "", fmt.Errorf("failed to decode user info: %w", err)
	}

	subject := stringClaim(userInfo, "sub")
	if subject == "" {
		subject = stringClaim(userInfo, "id")
	}
	email := stringClaim(userInfo, "email")

	if subject == "" || email == "" {
		return "", "", ErrIncompleteUserInfo
	}

	return subject, strings.ToLower(email), nil
}

// linkAccount resolves the upstream identity to a local user. An existing
// connection wins; otherwise the email links to an existing account or a
// new passwordless account is created. A duplicate-key conflict on the
// connection means another callback linked first, so it is re-read as a
// lookup.
func (s *Service) linkAccount(provider *Provider, subject, email string) (*user.User, error) {
	var conn Connection
	err := s.db.Where("provider_id = ? AND subject = ?", provider.ID, subject).First(&conn).Error
	if err == nil {
		return s.users.FindByID(conn.UserID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("database error: %w", err)
	}

	u, err := s.users.FindByEmail(email)
	if errors.Is(err, user.ErrUserNotFound) {
		u, err = s.users.Create(email, nil, user.RoleUser)
	}
	if err != nil {
		return nil, err
	}

	conn = Connection{
		UserID:     u.ID,
		ProviderID: provider.ID,
		Subject:    subject,
		Email:      email,
	}
	if err := s.db.Create(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var existing Connection
			if lookupErr := s.db.Where("provider_id = ? AND subject = ?", provider.ID, subject).First(&existing).Error; lookupErr == nil {
				return s.users.FindByID(existing.UserID)
			}
		}
		return nil, fmt.Errorf("failed to store OAuth connection: %w", err)
	}

	return u, nil
}

func (s *Service) ListConnections(userID uint) ([]Connection, error) {
	var connections []Connection
	err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&connections).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list OAuth connections: %w", err)
	}
	return connections, nil
}

func (s *Service) Unlink(userID, providerID uint) error {
	result := s.db.Where("user_id = ? AND provider_id = ?", userID, providerID).Delete(&Connection{})
	if result.Error != nil {
		return fmt.Errorf("failed to unlink OAuth connection: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

func (s *Service) oauth2Config(provider *Provider) (*oauth2.Config, error) {
	secret, err := decryptSecret(provider.ClientSecretEnc, s.config.OAuth.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
	}

	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: secret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  provider.AuthURL,
			TokenURL: provider.TokenURL,
		},
		RedirectURL: provider.RedirectURL,
		Scopes:      provider.ScopeList(),
	}, nil
}

// validateRedirect accepts only same-origin relative paths. Absolute URLs,
// scheme-relative URLs, and backslash tricks are all rejected.
func validateRedirect(redirect string) error {
	if redirect == "" {
		return nil
	}
	if !strings.HasPrefix(redirect, "/") {
		return ErrInvalidRedirect
	}
	if strings.HasPrefix(redirect, "//") {
		return ErrInvalidRedirect
	}
	if strings.Contains(redirect, "\\") {
		return ErrInvalidRedirect
	}
	return nil
}

func stringClaim(data map[string]any, key string) string {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
