// Package rotategrpc provides gRPC server interceptors that verify the bearer
// token in the "authorization" metadata key.
package rotategrpc

import (
	"context"
	"strings"

	"github.com/keksclan/goRotate/adapters/common"
	"github.com/keksclan/goRotate/rotate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type resultKey struct{}

// ResultFromContext returns the result injected by the interceptors, or nil.
func ResultFromContext(ctx context.Context) *rotate.Result {
	v, _ := ctx.Value(resultKey{}).(*rotate.Result)
	return v
}

func UnaryServerInterceptor(v common.Verifier, opts ...common.Option) grpc.UnaryServerInterceptor {
	o := common.Build(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, v, o)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func StreamServerInterceptor(v common.Verifier, opts ...common.Option) grpc.StreamServerInterceptor {
	o := common.Build(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), v, o)
		if err != nil {
			return err
		}
		return handler(srv, &serverStream{ServerStream: ss, ctx: ctx})
	}
}

type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *serverStream) Context() context.Context { return s.ctx }

func authenticate(ctx context.Context, v common.Verifier, o common.Options) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}
	ex := common.ExtractorFunc(func(key string) (string, bool) {
		vals := md.Get(strings.ToLower(key))
		if len(vals) == 0 {
			return "", false
		}
		return vals[0], true
	})
	auth, _ := ex.Get("authorization")
	res, err := o.Authenticate(ctx, v, auth, ex)
	if err != nil {
		return ctx, status.Error(code(err), err.Error())
	}
	return context.WithValue(ctx, resultKey{}, res), nil
}

func code(err error) codes.Code {
	if common.ErrorCode(err) == common.CodeClaims {
		return codes.PermissionDenied
	}
	return codes.Unauthenticated
}
