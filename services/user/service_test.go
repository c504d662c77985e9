package user

import (
	"errors"
	"testing"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowPolicy struct{}

func (allowPolicy) CanEnable(userID uint) error { return nil }

type denyPolicy struct{ err error }

func (p denyPolicy) CanEnable(userID uint) error { return p.err }

func getTestUserConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			InvitationTokenLength: 32,
			InvitationExpiry:      24 * time.Hour,
		},
	}
}

func strPtr(s string) *string { return &s }

func TestService_Create(t *testing.T) {
	cfg := getTestUserConfig()
	db := testutils.SetupTestDB(t, &User{})
	service := NewService(cfg, db, nil)

	t.Run("creates user with normalized email", func(t *testing.T) {
		u, err := service.Create("  Alice@Example.COM ", strPtr("hash"), RoleUser)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", u.Email)
		assert.Equal(t, RoleUser, u.Role)
		assert.Equal(t, TwoFactorNone, u.TwoFactorMode)
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := service.Create("alice@example.com", nil, RoleUser)
		assert.ErrorIs(t, err, ErrEmailTaken)
	})

	t.Run("passwordless account", func(t *testing.T) {
		u, err := service.Create("bob@example.com", nil, RoleUser)
		require.NoError(t, err)
		assert.False(t, u.HasPassword())
	})
}

func TestService_FindByEmail(t *testing.T) {
	cfg := getTestUserConfig()
	db := testutils.SetupTestDB(t, &User{})
	service := NewService(cfg, db, nil)

	_, err := service.Create("carol@example.com", nil, RoleAdmin)
	require.NoError(t, err)

	t.Run("case insensitive lookup", func(t *testing.T) {
		u, err := service.FindByEmail("CAROL@example.com")
		require.NoError(t, err)
		assert.Equal(t, RoleAdmin, u.Role)
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := service.FindByEmail("nobody@example.com")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestService_SetTwoFactorMode(t *testing.T) {
	cfg := getTestUserConfig()
	db := testutils.SetupTestDB(t, &User{})
	service := NewService(cfg, db, nil)

	u, err := service.Create("dave@example.com", strPtr("hash"), RoleUser)
	require.NoError(t, err)

	t.Run("unknown mode", func(t *testing.T) {
		err := service.SetTwoFactorMode(u.ID, "passkey_plus_carrier_pigeon", allowPolicy{})
		assert.ErrorIs(t, err, ErrUnknownTwoFactorMode)
	})

	t.Run("policy gates enabling", func(t *testing.T) {
		wantErr := errors.New("no passkeys registered")
		err := service.SetTwoFactorMode(u.ID, TwoFactorPasskeyPassword, denyPolicy{err: wantErr})
		assert.ErrorIs(t, err, wantErr)
	})

	t.Run("policy is not consulted when disabling", func(t *testing.T) {
		require.NoError(t, service.SetTwoFactorMode(u.ID, TwoFactorPasskeyPassword, allowPolicy{}))

		err := service.SetTwoFactorMode(u.ID, TwoFactorNone, denyPolicy{err: errors.New("should not be called")})
		require.NoError(t, err)

		updated, err := service.FindByID(u.ID)
		require.NoError(t, err)
		assert.Equal(t, TwoFactorNone, updated.TwoFactorMode)
	})

	t.Run("unknown user", func(t *testing.T) {
		err := service.SetTwoFactorMode(9999, TwoFactorPasskeyTOTP, allowPolicy{})
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestService_Invitations(t *testing.T) {
	cfg := getTestUserConfig()
	db := testutils.SetupTestDB(t, &User{}, &InvitationToken{})
	service := NewService(cfg, db, nil)

	t.Run("full registration flow", func(t *testing.T) {
		invitation, err := service.CreateInvitation("eve@example.com", RoleAdmin)
		require.NoError(t, err)
		assert.NotEmpty(t, invitation.Token)

		u, err := service.RegisterFromInvitation(invitation.Token, strPtr("hash"))
		require.NoError(t, err)
		assert.Equal(t, "eve@example.com", u.Email)
		assert.Equal(t, RoleAdmin, u.Role)

		// Single use.
		_, err = service.RegisterFromInvitation(invitation.Token, strPtr("hash"))
		assert.ErrorIs(t, err, ErrInvitationTokenUsed)
	})

	t.Run("expired invitation", func(t *testing.T) {
		invitation, err := service.CreateInvitation("frank@example.com", RoleUser)
		require.NoError(t, err)

		require.NoError(t, db.Model(&InvitationToken{}).
			Where("id = ?", invitation.ID).
			Update("expires_at", time.Now().Add(-time.Minute)).Error)

		_, err = service.ValidateInvitation(invitation.Token)
		assert.ErrorIs(t, err, ErrInvitationTokenExpired)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := service.ValidateInvitation("bogus")
		assert.ErrorIs(t, err, ErrInvitationTokenInvalid)
	})

	t.Run("duplicate email leaves invitation usable", func(t *testing.T) {
		_, err := service.Create("grace@example.com", nil, RoleUser)
		require.NoError(t, err)

		invitation, err := service.CreateInvitation("grace@example.com", RoleUser)
		require.NoError(t, err)

		_, err = service.RegisterFromInvitation(invitation.Token, nil)
		assert.ErrorIs(t, err, ErrEmailTaken)

		// The rollback restored the invitation.
		_, err = service.ValidateInvitation(invitation.Token)
		assert.NoError(t, err)
	})

	t.Run("cleanup removes expired invitations", func(t *testing.T) {
		stale, err := service.CreateInvitation("stale@example.com", RoleUser)
		require.NoError(t, err)
		require.NoError(t, db.Model(&InvitationToken{}).
			Where("id = ?", stale.ID).
			Update("expires_at", time.Now().Add(-time.Minute)).Error)

		fresh, err := service.CreateInvitation("fresh@example.com", RoleUser)
		require.NoError(t, err)

		require.NoError(t, service.CleanupExpiredInvitations())

		_, err = service.ValidateInvitation(stale.Token)
		assert.ErrorIs(t, err, ErrInvitationTokenInvalid)
		_, err = service.ValidateInvitation(fresh.Token)
		assert.NoError(t, err)
	})
}
