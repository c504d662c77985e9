package tokenauth

import (
	"net/http"
	"strings"

	"github.com/changeloghq/authkit/services/apikey"
	"github.com/changeloghq/authkit/services/jwt"
	"github.com/labstack/echo/v4"
)

const (
	PrincipalKey = "_auth_principal"
	ClaimsKey    = "_auth_claims"
)

// RequireAuth authenticates a bearer credential. Anything carrying the API
// key prefix goes to the key store; everything else is treated as an access
// token. The two paths never fall through to each other.
func RequireAuth(jwtService *jwt.Service, apiKeyService *apikey.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			bearerToken, err := extractBearer(c)
			if err != nil {
				return err
			}

			if apiKeyService.HasPrefix(bearerToken) {
				principal, err := apiKeyService.Validate(bearerToken)
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
				}

				c.Set(PrincipalKey, principal)
				return next(c)
			}

			claims, err := jwtService.ValidateToken(bearerToken)
			if err != nil {
				switch err {
				case jwt.ErrExpiredToken:
					return echo.NewHTTPError(http.StatusUnauthorized, "Access token has expired")
				case jwt.ErrMalformedToken:
					return echo.NewHTTPError(http.StatusUnauthorized, "Malformed access token")
				case jwt.ErrInvalidSignature:
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid access token signature")
				default:
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid access token")
				}
			}

			c.Set(PrincipalKey, &apikey.Principal{
				UserID: claims.UserID,
				Role:   claims.Role,
				Kind:   apikey.PrincipalKindSession,
			})
			c.Set(ClaimsKey, claims)

			return next(c)
		}
	}
}

// RequireRole layers a role check on top of RequireAuth.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal := GetPrincipal(c)
			if principal == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authentication required")
			}
			if principal.Role != role {
				return echo.NewHTTPError(http.StatusForbidden, "Insufficient permissions")
			}
			return next(c)
		}
	}
}

func extractBearer(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
	}

	bearerToken := strings.TrimPrefix(authHeader, "Bearer ")
	if bearerToken == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Bearer token required")
	}

	return bearerToken, nil
}

func GetPrincipal(c echo.Context) *apikey.Principal {
	if principal, ok := c.Get(PrincipalKey).(*apikey.Principal); ok {
		return principal
	}
	return nil
}

func GetUserID(c echo.Context) uint {
	if principal := GetPrincipal(c); principal != nil {
		return principal.UserID
	}
	return 0
}

func GetClaims(c echo.Context) *jwt.Claims {
	if claims, ok := c.Get(ClaimsKey).(*jwt.Claims); ok {
		return claims
	}
	return nil
}
