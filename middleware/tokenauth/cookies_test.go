package tokenauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/token"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cookiesByName(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, cookie := range rec.Result().Cookies() {
		out[cookie.Name] = cookie
	}
	return out
}

func TestSetTokenCookies(t *testing.T) {
	cfg := &config.Config{}
	cfg.RefreshToken.CookieSecure = true

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/auth/login", nil), rec)

	pair := &token.Pair{
		AccessToken:      "access-value",
		RefreshToken:     "refresh-value",
		AccessExpiresAt:  time.Now().Add(15 * time.Minute),
		RefreshExpiresAt: time.Now().Add(24 * time.Hour),
	}
	SetTokenCookies(c, pair, cfg)

	cookies := cookiesByName(rec)
	access, ok := cookies["accessToken"]
	require.True(t, ok)
	assert.Equal(t, "access-value", access.Value)
	assert.Equal(t, "/", access.Path)
	assert.True(t, access.HttpOnly)
	assert.True(t, access.Secure)

	refresh, ok := cookies["refreshToken"]
	require.True(t, ok)
	assert.Equal(t, "refresh-value", refresh.Value)
	assert.Equal(t, "/auth/refresh", refresh.Path)
	assert.True(t, refresh.HttpOnly)

	t.Run("development mode drops the secure attribute", func(t *testing.T) {
		devCfg := &config.Config{}
		devCfg.RefreshToken.CookieSecure = true
		devCfg.App.Development = true

		devRec := httptest.NewRecorder()
		devCtx := e.NewContext(httptest.NewRequest(http.MethodPost, "/auth/login", nil), devRec)
		SetTokenCookies(devCtx, pair, devCfg)

		for name, cookie := range cookiesByName(devRec) {
			assert.False(t, cookie.Secure, "cookie %s", name)
		}
	})
}

func TestClearTokenCookies(t *testing.T) {
	cfg := &config.Config{}

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/auth/logout", nil), rec)

	ClearTokenCookies(c, cfg)

	cookies := cookiesByName(rec)
	require.Len(t, cookies, 2)
	for name, cookie := range cookies {
		assert.Empty(t, cookie.Value, "cookie %s", name)
		assert.Negative(t, cookie.MaxAge, "cookie %s", name)
	}
}
