package oauth

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/user"
	"github.com/changeloghq/authkit/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func getTestOAuthConfig() *config.Config {
	return &config.Config{
		OAuth: config.OAuthConfig{
			EncryptionKey:  testEncryptionKey,
			RequestTimeout: 10 * time.Second,
		},
	}
}

func setupOAuthService(t *testing.T) (*Service, *user.Service) {
	cfg := getTestOAuthConfig()
	db := testutils.SetupTestDB(t, &user.User{}, &Provider{}, &Connection{})
	users := user.NewService(cfg, db, nil)
	return NewService(cfg, db, users, nil), users
}

func testProviderInput(name string) NewProvider {
	return NewProvider{
		Name:         name,
		DisplayName:  name,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      "https://idp.example.com/authorize",
		TokenURL:     "https://idp.example.com/token",
		UserInfoURL:  "https://idp.example.com/userinfo",
		RedirectURL:  "https://app.example.com/auth/callback",
		Scopes:       []string{"openid", "email"},
		Enabled:      true,
	}
}

func encodeState(t *testing.T, state State) string {
	payload, err := json.Marshal(state)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(payload)
}

func TestSecretEncryption(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		enc, err := encryptSecret("super-secret", testEncryptionKey)
		require.NoError(t, err)
		assert.NotContains(t, enc, "super-secret")

		dec, err := decryptSecret(enc, testEncryptionKey)
		require.NoError(t, err)
		assert.Equal(t, "super-secret", dec)
	})

	t.Run("distinct nonces per encryption", func(t *testing.T) {
		first, err := encryptSecret("same-input", testEncryptionKey)
		require.NoError(t, err)
		second, err := encryptSecret("same-input", testEncryptionKey)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("wrong key fails to decrypt", func(t *testing.T) {
		enc, err := encryptSecret("super-secret", testEncryptionKey)
		require.NoError(t, err)

		otherKey := strings.Repeat("ff", 32)
		_, err = decryptSecret(enc, otherKey)
		assert.Error(t, err)
	})

	t.Run("key must be 32 bytes of hex", func(t *testing.T) {
		_, err := encryptSecret("x", "deadbeef")
		assert.Error(t, err)
		_, err = encryptSecret("x", "not-hex-at-all")
		assert.Error(t, err)
	})
}

func TestService_CreateProvider(t *testing.T) {
	service, _ := setupOAuthService(t)

	t.Run("stores the secret encrypted and the name lowercased", func(t *testing.T) {
		created, err := service.CreateProvider(testProviderInput("GitHub"))
		require.NoError(t, err)
		assert.Equal(t, "github", created.Name)
		assert.NotEqual(t, "client-secret", created.ClientSecretEnc)
		assert.Equal(t, "openid,email", created.Scopes)

		secret, err := decryptSecret(created.ClientSecretEnc, testEncryptionKey)
		require.NoError(t, err)
		assert.Equal(t, "client-secret", secret)
	})

	t.Run("names collide case-insensitively", func(t *testing.T) {
		_, err := service.CreateProvider(testProviderInput("GITHUB"))
		assert.ErrorIs(t, err, ErrProviderExists)
	})

	t.Run("lookup is case-insensitive", func(t *testing.T) {
		provider, err := service.GetProvider("GitHub")
		require.NoError(t, err)
		assert.Equal(t, "github", provider.Name)
	})

	t.Run("a provider created disabled stays disabled", func(t *testing.T) {
		input := testProviderInput("bitbucket")
		input.Enabled = false
		_, err := service.CreateProvider(input)
		require.NoError(t, err)

		stored, err := service.GetProvider("bitbucket")
		require.NoError(t, err)
		assert.False(t, stored.Enabled)

		_, err = service.BuildAuthorizationURL("bitbucket", "")
		assert.ErrorIs(t, err, ErrProviderDisabled)
	})
}

func TestService_DefaultProvider(t *testing.T) {
	service, _ := setupOAuthService(t)

	_, err := service.GetDefaultProvider()
	assert.ErrorIs(t, err, ErrNoDefaultProvider)

	first := testProviderInput("github")
	first.IsDefault = true
	_, err = service.CreateProvider(first)
	require.NoError(t, err)

	_, err = service.CreateProvider(testProviderInput("gitlab"))
	require.NoError(t, err)

	def, err := service.GetDefaultProvider()
	require.NoError(t, err)
	assert.Equal(t, "github", def.Name)

	t.Run("switching moves the flag atomically", func(t *testing.T) {
		require.NoError(t, service.SetDefaultProvider("gitlab"))

		def, err := service.GetDefaultProvider()
		require.NoError(t, err)
		assert.Equal(t, "gitlab", def.Name)

		var count int64
		require.NoError(t, service.db.Model(&Provider{}).Where("is_default = ?", true).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("unknown provider", func(t *testing.T) {
		err := service.SetDefaultProvider("bitbucket")
		assert.ErrorIs(t, err, ErrProviderNotFound)
	})
}

func TestService_SetProviderEnabled(t *testing.T) {
	service, _ := setupOAuthService(t)

	_, err := service.CreateProvider(testProviderInput("github"))
	require.NoError(t, err)

	require.NoError(t, service.SetProviderEnabled("github", false))

	_, err = service.BuildAuthorizationURL("github", "")
	assert.ErrorIs(t, err, ErrProviderDisabled)

	err = service.SetProviderEnabled("unknown", false)
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestService_BuildAuthorizationURL(t *testing.T) {
	service, _ := setupOAuthService(t)

	_, err := service.CreateProvider(testProviderInput("github"))
	require.NoError(t, err)

	t.Run("includes client id and state", func(t *testing.T) {
		authURL, err := service.BuildAuthorizationURL("github", "/settings")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(authURL, "https://idp.example.com/authorize?"))
		assert.Contains(t, authURL, "client_id=client-id")
		assert.Contains(t, authURL, "state=")
	})

	t.Run("rejects hostile redirects", func(t *testing.T) {
		for _, redirect := range []string{
			"https://evil.example.com/",
			"//evil.example.com/",
			"/\\evil.example.com",
			"settings",
		} {
			_, err := service.BuildAuthorizationURL("github", redirect)
			assert.ErrorIs(t, err, ErrInvalidRedirect, "redirect %q", redirect)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := service.BuildAuthorizationURL("unknown", "")
		assert.ErrorIs(t, err, ErrProviderNotFound)
	})
}

func TestService_DecodeState(t *testing.T) {
	service, _ := setupOAuthService(t)

	_, err := service.CreateProvider(testProviderInput("github"))
	require.NoError(t, err)

	t.Run("roundtrip through the authorization URL", func(t *testing.T) {
		authURL, err := service.BuildAuthorizationURL("github", "/settings")
		require.NoError(t, err)

		idx := strings.Index(authURL, "state=")
		require.Greater(t, idx, 0)
		state := authURL[idx+len("state="):]
		if amp := strings.Index(state, "&"); amp >= 0 {
			state = state[:amp]
		}

		decoded, err := service.DecodeState(state)
		require.NoError(t, err)
		assert.Equal(t, "/settings", decoded.Redirect)
		assert.NotEmpty(t, decoded.Nonce)
	})

	t.Run("garbage state", func(t *testing.T) {
		_, err := service.DecodeState("%%%not-base64%%%")
		assert.ErrorIs(t, err, ErrInvalidState)

		_, err = service.DecodeState(base64.RawURLEncoding.EncodeToString([]byte("not-json")))
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("missing nonce", func(t *testing.T) {
		state := encodeState(t, State{Redirect: "/home"})
		_, err := service.DecodeState(state)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("hostile redirect smuggled into state", func(t *testing.T) {
		state := encodeState(t, State{Redirect: "https://evil.example.com", Nonce: "abc"})
		_, err := service.DecodeState(state)
		assert.ErrorIs(t, err, ErrInvalidRedirect)
	})
}

func TestService_LinkAccount(t *testing.T) {
	service, users := setupOAuthService(t)

	provider, err := service.CreateProvider(testProviderInput("github"))
	require.NoError(t, err)

	t.Run("creates a passwordless account for a new identity", func(t *testing.T) {
		u, err := service.linkAccount(provider, "subject-1", "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", u.Email)
		assert.False(t, u.HasPassword())

		connections, err := service.ListConnections(u.ID)
		require.NoError(t, err)
		require.Len(t, connections, 1)
		assert.Equal(t, "subject-1", connections[0].Subject)
	})

	t.Run("existing connection wins over email", func(t *testing.T) {
		u, err := service.linkAccount(provider, "subject-1", "changed@example.com")
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", u.Email)
	})

	t.Run("links to an existing account by email", func(t *testing.T) {
		existing, err := users.Create("existing@example.com", nil, user.RoleUser)
		require.NoError(t, err)

		u, err := service.linkAccount(provider, "subject-2", "existing@example.com")
		require.NoError(t, err)
		assert.Equal(t, existing.ID, u.ID)
	})
}

func TestService_Unlink(t *testing.T) {
	service, _ := setupOAuthService(t)

	provider, err := service.CreateProvider(testProviderInput("github"))
	require.NoError(t, err)

	u, err := service.linkAccount(provider, "subject-1", "alice@example.com")
	require.NoError(t, err)

	require.NoError(t, service.Unlink(u.ID, provider.ID))

	connections, err := service.ListConnections(u.ID)
	require.NoError(t, err)
	assert.Empty(t, connections)

	err = service.Unlink(u.ID, provider.ID)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestService_DeleteProvider(t *testing.T) {
	service, _ := setupOAuthService(t)

	provider, err := service.CreateProvider(testProviderInput("github"))
	require.NoError(t, err)

	u, err := service.linkAccount(provider, "subject-1", "alice@example.com")
	require.NoError(t, err)

	require.NoError(t, service.DeleteProvider("github"))

	_, err = service.GetProvider("github")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	// Connections go with the provider.
	connections, err := service.ListConnections(u.ID)
	require.NoError(t, err)
	assert.Empty(t, connections)
}

func TestService_SeedFromFile(t *testing.T) {
	service, _ := setupOAuthService(t)

	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`providers:
  - name: github
    display_name: GitHub
    client_id: client-id
    client_secret: client-secret
    auth_url: https://github.com/login/oauth/authorize
    token_url: https://github.com/login/oauth/access_token
    user_info_url: https://api.github.com/user
    scopes: [read:user, user:email]
    default: true
  - name: gitlab
    display_name: GitLab
    client_id: client-id
    client_secret: client-secret
    auth_url: https://gitlab.com/oauth/authorize
    token_url: https://gitlab.com/oauth/token
    user_info_url: https://gitlab.com/oauth/userinfo
    enabled: false
`), 0o600))
	service.config.OAuth.ProvidersFile = path

	require.NoError(t, service.SeedFromFile())

	providers, err := service.ListProviders()
	require.NoError(t, err)
	require.Len(t, providers, 2)

	def, err := service.GetDefaultProvider()
	require.NoError(t, err)
	assert.Equal(t, "github", def.Name)

	gitlab, err := service.GetProvider("gitlab")
	require.NoError(t, err)
	assert.False(t, gitlab.Enabled)

	// Reseeding is idempotent.
	require.NoError(t, service.SeedFromFile())
	providers, err = service.ListProviders()
	require.NoError(t, err)
	assert.Len(t, providers, 2)
}
