// Package rotatefasthttp verifies bearer tokens in fasthttp handlers.
package rotatefasthttp

import (
	"context"
	"encoding/json"

	"github.com/keksclan/goRotate/adapters/common"
	"github.com/keksclan/goRotate/rotate"
	"github.com/valyala/fasthttp"
)

// ResultUserValueKey is the user value under which the verified result is stored.
const ResultUserValueKey = "rotate"

// Middleware wraps next. Requests without a valid bearer token get a JSON
// error response and never reach next.
func Middleware(v common.Verifier, next fasthttp.RequestHandler, opts ...common.Option) fasthttp.RequestHandler {
	o := common.Build(opts)
	return func(ctx *fasthttp.RequestCtx) {
		ex := common.ExtractorFunc(func(key string) (string, bool) {
			val := ctx.Request.Header.Peek(key)
			return string(val), len(val) > 0
		})
		auth := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
		// A refresh started here may outlive the request, and RequestCtx is
		// recycled once the handler returns.
		res, err := o.Authenticate(context.Background(), v, auth, ex)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.SetUserValue(ResultUserValueKey, res)
		next(ctx)
	}
}

// ResultFromCtx returns the result stored by Middleware, or nil.
func ResultFromCtx(ctx *fasthttp.RequestCtx) *rotate.Result {
	v, _ := ctx.UserValue(ResultUserValueKey).(*rotate.Result)
	return v
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	ctx.Response.Header.Set(fasthttp.HeaderWWWAuthenticate, common.WWWAuthenticate(err))
	ctx.SetStatusCode(common.HTTPStatus(err))
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(map[string]string{
		"error":   common.ErrorCode(err),
		"message": err.Error(),
	})
	ctx.SetBody(body)
}
