package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/genforge/api/internal/auth"
	"github.com/genforge/api/pkg/response"
)

const (
	localOwnerID = "ownerId"
	localEmail   = "email"
	localName    = "name"
)

// Authenticate resolves the bearer token to an owner and stores it in locals.
func Authenticate(verifier auth.TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return response.Unauthorized(c, "Missing or malformed authorization header")
		}

		id, err := verifier.Validate(token)
		if errors.Is(err, auth.ErrNotConfigured) {
			return response.Unauthorized(c, "Authentication not configured")
		}
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setIdentity(c, id)
		return c.Next()
	}
}

// GatewayAuth trusts the X-User-* headers set by the gateway's ForwardAuth.
func GatewayAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ownerID := c.Get("X-User-Id")
		if ownerID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}
		setIdentity(c, &auth.Identity{
			OwnerID: ownerID,
			Email:   c.Get("X-User-Email"),
			Name:    c.Get("X-User-Name"),
		})
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals(localOwnerID, id.OwnerID)
	c.Locals(localEmail, id.Email)
	c.Locals(localName, id.Name)
}

// GetUserID returns the authenticated owner id, or "".
func GetUserID(c *fiber.Ctx) string {
	if id, ok := c.Locals(localOwnerID).(string); ok {
		return id
	}
	return ""
}
