package tokenauth

import (
	"net/http"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/token"
	"github.com/labstack/echo/v4"
)

const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
)

// cookieSecure derives the Secure attribute: always off in local
// development, otherwise governed by the refresh-token config.
func cookieSecure(cfg *config.Config) bool {
	return cfg.RefreshToken.CookieSecure && !cfg.App.Development
}

// SetTokenCookies writes the pair as HttpOnly cookies. The refresh token
// cookie is scoped to the refresh path so it is not sent on every request.
func SetTokenCookies(c echo.Context, pair *token.Pair, cfg *config.Config) {
	secure := cookieSecure(cfg)

	c.SetCookie(&http.Cookie{
		Name:     AccessTokenCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		Expires:  pair.AccessExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})

	c.SetCookie(&http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    pair.RefreshToken,
		Path:     "/auth/refresh",
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearTokenCookies expires both cookies, for logout.
func ClearTokenCookies(c echo.Context, cfg *config.Config) {
	secure := cookieSecure(cfg)
	expired := time.Unix(0, 0)

	c.SetCookie(&http.Cookie{
		Name:     AccessTokenCookie,
		Value:    "",
		Path:     "/",
		Expires:  expired,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})

	c.SetCookie(&http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    "",
		Path:     "/auth/refresh",
		Expires:  expired,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
