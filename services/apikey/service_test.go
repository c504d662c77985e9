package apikey

import (
	"strings"
	"testing"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/user"
	"github.com/changeloghq/authkit/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	action   string
	targetID uint
}

type mockRecorder struct {
	events []recordedEvent
}

func (m *mockRecorder) Record(action string, actorID, targetID uint, details map[string]any) {
	m.events = append(m.events, recordedEvent{action: action, targetID: targetID})
}

func getTestAPIKeyConfig() *config.Config {
	return &config.Config{
		APIKey: config.APIKeyConfig{
			Prefix:      "clak_",
			TokenLength: 32,
		},
	}
}

func setupAPIKeyService(t *testing.T) (*Service, *user.User, *mockRecorder) {
	cfg := getTestAPIKeyConfig()
	db := testutils.SetupTestDB(t, &user.User{}, &ApiKey{})
	users := user.NewService(cfg, db, nil)
	service := NewService(cfg, db, users, nil)
	recorder := &mockRecorder{}
	service.SetAuditRecorder(recorder)

	u, err := users.Create("alice@example.com", nil, user.RoleUser)
	require.NoError(t, err)

	return service, u, recorder
}

func TestService_Generate(t *testing.T) {
	service, u, _ := setupAPIKeyService(t)

	generated, err := service.Generate(u.ID, "ci-deploy", []string{"deploy", "read"}, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(generated.Key, "clak_"))
	assert.True(t, strings.HasPrefix(generated.Record.KeyPrefix, "clak_"))
	assert.NotEqual(t, generated.Key, generated.Record.KeyHash)
	assert.Equal(t, "deploy,read", generated.Record.Permissions)
}

func TestService_HasPrefix(t *testing.T) {
	service, _, _ := setupAPIKeyService(t)

	assert.True(t, service.HasPrefix("clak_anything"))
	assert.False(t, service.HasPrefix("eyJhbGciOiJIUzI1NiJ9.x.y"))
}

func TestService_Validate(t *testing.T) {
	service, u, recorder := setupAPIKeyService(t)

	generated, err := service.Generate(u.ID, "ci", nil, nil)
	require.NoError(t, err)

	t.Run("valid key yields an API key principal", func(t *testing.T) {
		principal, err := service.Validate(generated.Key)
		require.NoError(t, err)
		assert.Equal(t, u.ID, principal.UserID)
		assert.Equal(t, PrincipalKindAPIKey, principal.Kind)
		assert.Equal(t, generated.Record.ID, principal.KeyID)
	})

	t.Run("validation touches last used", func(t *testing.T) {
		var stored ApiKey
		require.NoError(t, service.db.Where("id = ?", generated.Record.ID).First(&stored).Error)
		assert.NotNil(t, stored.LastUsedAt)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := service.Validate("clak_does-not-exist")
		assert.ErrorIs(t, err, ErrInvalidAPIKey)
	})

	t.Run("wrong prefix short-circuits", func(t *testing.T) {
		_, err := service.Validate("not-an-api-key")
		assert.ErrorIs(t, err, ErrInvalidAPIKey)
	})

	t.Run("expired key", func(t *testing.T) {
		past := time.Now().Add(-time.Minute)
		expired, err := service.Generate(u.ID, "expired", nil, &past)
		require.NoError(t, err)

		_, err = service.Validate(expired.Key)
		assert.ErrorIs(t, err, ErrInvalidAPIKey)
	})

	t.Run("revoked key use is audited", func(t *testing.T) {
		revoked, err := service.Generate(u.ID, "leaked", nil, nil)
		require.NoError(t, err)
		require.NoError(t, service.Revoke(u.ID, revoked.Record.ID))

		before := len(recorder.events)
		_, err = service.Validate(revoked.Key)
		assert.ErrorIs(t, err, ErrInvalidAPIKey)

		require.Greater(t, len(recorder.events), before)
		last := recorder.events[len(recorder.events)-1]
		assert.Equal(t, "security.revoked_api_key_use", last.action)
		assert.Equal(t, revoked.Record.ID, last.targetID)
	})
}

func TestService_Revoke(t *testing.T) {
	service, u, _ := setupAPIKeyService(t)

	generated, err := service.Generate(u.ID, "ci", nil, nil)
	require.NoError(t, err)

	t.Run("revocation is scoped to the owner", func(t *testing.T) {
		err := service.Revoke(u.ID+1, generated.Record.ID)
		assert.ErrorIs(t, err, ErrAPIKeyNotFound)
	})

	t.Run("revocation latches", func(t *testing.T) {
		require.NoError(t, service.Revoke(u.ID, generated.Record.ID))

		_, err := service.Validate(generated.Key)
		assert.ErrorIs(t, err, ErrInvalidAPIKey)

		// Update cannot resurrect the key.
		require.NoError(t, service.Update(u.ID, generated.Record.ID, "renamed", []string{"read"}))
		_, err = service.Validate(generated.Key)
		assert.ErrorIs(t, err, ErrInvalidAPIKey)

		var stored ApiKey
		require.NoError(t, service.db.Where("id = ?", generated.Record.ID).First(&stored).Error)
		assert.True(t, stored.Revoked)
		assert.Equal(t, "renamed", stored.Name)
	})
}

func TestService_ListForUser(t *testing.T) {
	service, u, _ := setupAPIKeyService(t)

	_, err := service.Generate(u.ID, "first", nil, nil)
	require.NoError(t, err)
	_, err = service.Generate(u.ID, "second", nil, nil)
	require.NoError(t, err)

	keys, err := service.ListForUser(u.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = service.ListForUser(u.ID + 1)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestService_CleanupExpiredKeys(t *testing.T) {
	service, u, _ := setupAPIKeyService(t)

	past := time.Now().Add(-time.Minute)
	_, err := service.Generate(u.ID, "expired", nil, &past)
	require.NoError(t, err)

	kept, err := service.Generate(u.ID, "kept", nil, nil)
	require.NoError(t, err)

	require.NoError(t, service.CleanupExpiredKeys())

	keys, err := service.ListForUser(u.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, kept.Record.ID, keys[0].ID)
}
