package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/kursadbilgin/dispatch-core/internal/observability"
)

const (
	bearerPrefix   = "Bearer "
	headerCallerID = "X-Caller-ID"
	localsCallerID = "callerID"
)

// RequestContext tags the request's user context with its request id, taken from X-Request-ID
// or generated, and echoes the id back on the response.
func RequestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(fiber.HeaderXRequestID, requestID)
		c.SetUserContext(observability.WithRequestID(c.UserContext(), requestID))
		return c.Next()
	}
}

// CallerIdentity resolves the caller every idempotency key is scoped to. With a secret the
// caller is the sub claim of an HS256 bearer token; without one it is the X-Caller-ID header.
func CallerIdentity(jwtSecret string) fiber.Handler {
	secret := []byte(strings.TrimSpace(jwtSecret))
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *fiber.Ctx) error {
		var callerID string
		if len(secret) == 0 {
			callerID = strings.TrimSpace(c.Get(headerCallerID))
			if callerID == "" {
				return fiber.NewError(fiber.StatusUnauthorized, "missing X-Caller-ID header")
			}
		} else {
			subject, err := bearerSubject(parser, secret, c.Get(fiber.HeaderAuthorization))
			if err != nil {
				return fiber.NewError(fiber.StatusUnauthorized, err.Error())
			}
			callerID = subject
		}

		c.Locals(localsCallerID, callerID)
		c.SetUserContext(observability.WithCallerID(c.UserContext(), callerID))
		return c.Next()
	}
}

func bearerSubject(parser *jwt.Parser, secret []byte, header string) (string, error) {
	if header == "" || !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerPrefix)) {
		return "", errors.New("missing or invalid Authorization header")
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	if raw == "" {
		return "", errors.New("invalid bearer token")
	}

	var claims jwt.RegisteredClaims
	token, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid or expired token")
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token missing subject")
	}
	return subject, nil
}

func callerIDFromCtx(c *fiber.Ctx) string {
	callerID, _ := c.Locals(localsCallerID).(string)
	return callerID
}
