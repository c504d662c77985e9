package twofactor

import (
	"testing"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/auth"
	"github.com/changeloghq/authkit/services/refreshtoken"
	"github.com/changeloghq/authkit/services/token"
	"github.com/changeloghq/authkit/services/totp"
	"github.com/changeloghq/authkit/services/user"
	"github.com/changeloghq/authkit/testutils"
	otplib "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIssuer struct{}

func (stubIssuer) Issue(userID uint, sessionInfo refreshtoken.TokenSessionInfo) (*token.Pair, error) {
	return &token.Pair{AccessToken: "access", RefreshToken: "refresh"}, nil
}

type stubCounter struct {
	count int64
}

func (c stubCounter) CountForUser(userID uint) (int64, error) {
	return c.count, nil
}

func getTestTwoFactorConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "authkit test"},
		Auth: config.AuthConfig{
			MinLength:  8,
			BcryptCost: 4,
		},
		TOTP: config.TOTPConfig{Enabled: true},
		TwoFactor: config.TwoFactorConfig{
			SessionTokenLength: 32,
			SessionExpiry:      5 * time.Minute,
		},
	}
}

type twoFactorFixture struct {
	service *Service
	users   *user.Service
	auth    *auth.Service
	totp    *totp.Service
	user    *user.User
}

func setupTwoFactor(t *testing.T, passkeys int64) *twoFactorFixture {
	cfg := getTestTwoFactorConfig()
	db := testutils.SetupTestDB(t,
		&user.User{},
		&PendingSession{},
		&totp.TOTPSecret{},
		&totp.UsedCode{},
	)

	users := user.NewService(cfg, db, nil)
	authSvc := auth.NewService(cfg, db, users, nil)
	totpSvc := totp.NewService(cfg, db, nil)
	service := NewService(cfg, db, users, authSvc, totpSvc, stubCounter{count: passkeys}, nil)

	hash, err := authSvc.HashPassword("Sufficient1pass")
	require.NoError(t, err)
	u, err := users.Create("alice@example.com", &hash, user.RoleUser)
	require.NoError(t, err)

	return &twoFactorFixture{
		service: service,
		users:   users,
		auth:    authSvc,
		totp:    totpSvc,
		user:    u,
	}
}

func TestService_Begin(t *testing.T) {
	f := setupTwoFactor(t, 1)

	t.Run("requires a configured mode", func(t *testing.T) {
		_, err := f.service.Begin(f.user.ID)
		assert.ErrorIs(t, err, ErrTwoFactorNotEnabled)
	})

	t.Run("opens a pending session carrying the mode", func(t *testing.T) {
		require.NoError(t, f.service.SetMode(f.user.ID, user.TwoFactorPasskeyPassword))

		begun, err := f.service.Begin(f.user.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, begun.Token)
		assert.Equal(t, user.TwoFactorPasskeyPassword, begun.Mode)
		assert.True(t, begun.ExpiresAt.After(time.Now()))

		// Only the hash is stored.
		var stored PendingSession
		require.NoError(t, f.service.db.First(&stored).Error)
		assert.NotEqual(t, begun.Token, stored.TokenHash)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := f.service.Begin(9999)
		assert.ErrorIs(t, err, user.ErrUserNotFound)
	})
}

func TestService_Complete_PasswordMode(t *testing.T) {
	f := setupTwoFactor(t, 1)
	require.NoError(t, f.service.SetMode(f.user.ID, user.TwoFactorPasskeyPassword))

	begun, err := f.service.Begin(f.user.ID)
	require.NoError(t, err)

	t.Run("wrong password leaves the session alive", func(t *testing.T) {
		_, _, err := f.service.Complete(begun.Token, "WrongPassword1", stubIssuer{}, refreshtoken.TokenSessionInfo{})
		assert.ErrorIs(t, err, ErrSecondFactorRejected)

		// Retry with the right password still works.
		pair, u, err := f.service.Complete(begun.Token, "Sufficient1pass", stubIssuer{}, refreshtoken.TokenSessionInfo{})
		require.NoError(t, err)
		assert.Equal(t, f.user.ID, u.ID)
		assert.Equal(t, "access", pair.AccessToken)
	})

	t.Run("success consumes the session", func(t *testing.T) {
		_, _, err := f.service.Complete(begun.Token, "Sufficient1pass", stubIssuer{}, refreshtoken.TokenSessionInfo{})
		assert.ErrorIs(t, err, ErrSessionInvalid)
	})

	t.Run("unknown session token", func(t *testing.T) {
		_, _, err := f.service.Complete("bogus", "Sufficient1pass", stubIssuer{}, refreshtoken.TokenSessionInfo{})
		assert.ErrorIs(t, err, ErrSessionInvalid)
	})

	t.Run("expired session", func(t *testing.T) {
		expired, err := f.service.Begin(f.user.ID)
		require.NoError(t, err)
		require.NoError(t, f.service.db.Model(&PendingSession{}).
			Where("token_hash = ?", hashToken(expired.Token)).
			Update("expires_at", time.Now().Add(-time.Minute)).Error)

		_, _, err = f.service.Complete(expired.Token, "Sufficient1pass", stubIssuer{}, refreshtoken.TokenSessionInfo{})
		assert.ErrorIs(t, err, ErrSessionExpired)
	})
}

func TestService_Complete_TOTPMode(t *testing.T) {
	f := setupTwoFactor(t, 1)

	secret, err := f.totp.GenerateSecret(f.user.ID, f.user.Email)
	require.NoError(t, err)
	enableCode, err := otplib.GenerateCode(secret.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.totp.EnableTOTP(f.user.ID, enableCode))
	require.NoError(t, f.service.SetMode(f.user.ID, user.TwoFactorPasskeyTOTP))

	begun, err := f.service.Begin(f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.TwoFactorPasskeyTOTP, begun.Mode)

	t.Run("bad code is rejected", func(t *testing.T) {
		_, _, err := f.service.Complete(begun.Token, "000000", stubIssuer{}, refreshtoken.TokenSessionInfo{})
		assert.ErrorIs(t, err, ErrSecondFactorRejected)
	})

	t.Run("valid code completes", func(t *testing.T) {
		code, err := otplib.GenerateCode(secret.Secret, time.Now().Add(-30*time.Second))
		require.NoError(t, err)
		pair, u, err := f.service.Complete(begun.Token, code, stubIssuer{}, refreshtoken.TokenSessionInfo{})
		require.NoError(t, err)
		assert.Equal(t, f.user.ID, u.ID)
		assert.NotEmpty(t, pair.RefreshToken)
	})
}

func TestService_CanEnable(t *testing.T) {
	t.Run("requires at least one passkey", func(t *testing.T) {
		f := setupTwoFactor(t, 0)
		assert.ErrorIs(t, f.service.CanEnable(f.user.ID), ErrPasskeyRequired)
	})

	t.Run("passes with a passkey registered", func(t *testing.T) {
		f := setupTwoFactor(t, 1)
		assert.NoError(t, f.service.CanEnable(f.user.ID))
	})
}

func TestService_SetMode(t *testing.T) {
	t.Run("password mode requires a password", func(t *testing.T) {
		f := setupTwoFactor(t, 1)
		passwordless, err := f.users.Create("nopass@example.com", nil, user.RoleUser)
		require.NoError(t, err)

		err = f.service.SetMode(passwordless.ID, user.TwoFactorPasskeyPassword)
		assert.ErrorIs(t, err, ErrPasswordRequired)
	})

	t.Run("totp mode requires an enabled secret", func(t *testing.T) {
		f := setupTwoFactor(t, 1)
		err := f.service.SetMode(f.user.ID, user.TwoFactorPasskeyTOTP)
		assert.ErrorIs(t, err, totp.ErrSecretNotFound)
	})

	t.Run("policy gate blocks users without passkeys", func(t *testing.T) {
		f := setupTwoFactor(t, 0)
		err := f.service.SetMode(f.user.ID, user.TwoFactorPasskeyPassword)
		assert.ErrorIs(t, err, ErrPasskeyRequired)
	})

	t.Run("disabling skips the gate", func(t *testing.T) {
		f := setupTwoFactor(t, 1)
		require.NoError(t, f.service.SetMode(f.user.ID, user.TwoFactorPasskeyPassword))

		f.service.passkeys = stubCounter{count: 0}
		assert.NoError(t, f.service.SetMode(f.user.ID, user.TwoFactorNone))
	})
}

func TestService_CleanupExpiredSessions(t *testing.T) {
	f := setupTwoFactor(t, 1)
	require.NoError(t, f.service.SetMode(f.user.ID, user.TwoFactorPasskeyPassword))

	expired, err := f.service.Begin(f.user.ID)
	require.NoError(t, err)
	require.NoError(t, f.service.db.Model(&PendingSession{}).
		Where("token_hash = ?", hashToken(expired.Token)).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	fresh, err := f.service.Begin(f.user.ID)
	require.NoError(t, err)

	require.NoError(t, f.service.CleanupExpiredSessions())

	_, _, err = f.service.Complete(expired.Token, "Sufficient1pass", stubIssuer{}, refreshtoken.TokenSessionInfo{})
	assert.ErrorIs(t, err, ErrSessionInvalid)

	_, _, err = f.service.Complete(fresh.Token, "Sufficient1pass", stubIssuer{}, refreshtoken.TokenSessionInfo{})
	assert.NoError(t, err)
}
