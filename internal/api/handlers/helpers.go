package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// GetSubject returns the operator set by the auth middleware.
func GetSubject(c *fiber.Ctx) string {
	subject, _ := c.Locals("subject").(string)
	return subject
}
