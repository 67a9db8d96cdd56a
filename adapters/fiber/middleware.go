// Package rotatefiber verifies bearer tokens in Fiber handlers.
//
// The verified *rotate.Result is stored in c.Locals under ResultLocalsKey.
package rotatefiber

import (
	"github.com/gofiber/fiber/v2"
	"github.com/keksclan/goRotate/adapters/common"
	"github.com/keksclan/goRotate/rotate"
)

const ResultLocalsKey = "rotate"

// Middleware rejects requests without a valid bearer token with a JSON error
// and a WWW-Authenticate challenge.
func Middleware(v common.Verifier, opts ...common.Option) fiber.Handler {
	o := common.Build(opts)
	return func(c *fiber.Ctx) error {
		ex := common.ExtractorFunc(func(key string) (string, bool) {
			val := c.Get(key)
			return val, val != ""
		})
		res, err := o.Authenticate(c.UserContext(), v, c.Get(fiber.HeaderAuthorization), ex)
		if err != nil {
			c.Set(fiber.HeaderWWWAuthenticate, common.WWWAuthenticate(err))
			return c.Status(common.HTTPStatus(err)).JSON(fiber.Map{
				"error":   common.ErrorCode(err),
				"message": err.Error(),
			})
		}
		c.Locals(ResultLocalsKey, res)
		return c.Next()
	}
}

// ResultFromLocals returns the result stored by Middleware, or nil.
func ResultFromLocals(c *fiber.Ctx) *rotate.Result {
	v, _ := c.Locals(ResultLocalsKey).(*rotate.Result)
	return v
}
