package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/keksclan/goRotate/adapters/common"
	rotatefasthttp "github.com/keksclan/goRotate/adapters/fasthttp"
	rotatefiber "github.com/keksclan/goRotate/adapters/fiber"
	"github.com/keksclan/goRotate/internal/logging"
	"github.com/keksclan/goRotate/rotate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run an HTTP service that protects /api/* with rotating JWKS verification",
		Long: `serve exposes:

  GET  /api/me    requires a bearer token, echoes the verified claims
  GET  /keys      the current key set
  POST /refresh   forces a JWKS refresh
  GET  /healthz   refresh state
  GET  /metrics   Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := newRegistry()
			e, err := newEngine(ctx, rotate.WithMetrics(reg))
			if err != nil {
				return err
			}
			defer e.Close()
			return runServe(ctx, settingsFrom(ctx), e, reg)
		},
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func runServe(ctx context.Context, s Settings, e *rotate.Engine, g prometheus.Gatherer) error {
	logger := logging.From(ctx)
	if err := e.Load(ctx); err != nil {
		logger.Warn("initial JWKS load failed, keys will load on first token", zap.Error(err))
	}

	grp, ctx := errgroup.WithContext(ctx)
	switch s.Transport {
	case "fasthttp":
		srv := &fasthttp.Server{Handler: newFastHTTPHandler(e, g), Name: "rotatectl"}
		grp.Go(func() error { return srv.ListenAndServe(s.Listen) })
		grp.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.ShutdownWithContext(sctx)
		})
	default:
		app := newFiberApp(e, g)
		grp.Go(func() error { return app.Listen(s.Listen) })
		grp.Go(func() error {
			<-ctx.Done()
			return app.ShutdownWithTimeout(shutdownTimeout)
		})
	}
	logger.Info("serving", zap.String("listen", s.Listen), zap.String("transport", s.Transport))

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type healthView struct {
	Keys          int        `json:"keys"`
	RefreshActive bool       `json:"refresh_in_flight"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

func health(e *rotate.Engine) healthView {
	st := e.State()
	v := healthView{Keys: len(e.Keys()), RefreshActive: st.InFlight}
	if !st.LastAttemptAt.IsZero() {
		v.LastAttemptAt = &st.LastAttemptAt
	}
	if !st.LastSuccessAt.IsZero() {
		v.LastSuccessAt = &st.LastSuccessAt
	}
	return v
}

// refresh forces a fetch and maps the outcome to an HTTP status.
func refresh(ctx context.Context, e *rotate.Engine) (int, map[string]any) {
	err := e.Refresh(ctx)
	switch {
	case err == nil:
		return http.StatusOK, map[string]any{"kids": kids(e.Keys())}
	case errors.Is(err, rotate.ErrThrottled):
		return http.StatusTooManyRequests, map[string]any{"error": err.Error()}
	default:
		return http.StatusBadGateway, map[string]any{"error": err.Error()}
	}
}

func resultView(res *rotate.Result) verifyView {
	v := verifyView{
		KeyID:    res.KeyID,
		Subject:  res.Subject,
		Issuer:   res.Issuer,
		Audience: res.Audience,
		Scopes:   res.Scopes,
		Claims:   res.Claims,
	}
	if !res.ExpiresAt.IsZero() {
		v.ExpiresAt = &res.ExpiresAt
	}
	return v
}

func newFiberApp(e *rotate.Engine, g prometheus.Gatherer) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.JSON(health(e)) })
	app.Get("/keys", func(c *fiber.Ctx) error { return c.JSON(viewKeys(e.Keys())) })
	app.Post("/refresh", func(c *fiber.Ctx) error {
		status, body := refresh(c.UserContext(), e)
		return c.Status(status).JSON(body)
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))

	api := app.Group("/api", rotatefiber.Middleware(e, common.WithWaitForRefresh(true)))
	api.Get("/me", func(c *fiber.Ctx) error {
		return c.JSON(resultView(rotatefiber.ResultFromLocals(c)))
	})
	return app
}

func newFastHTTPHandler(e *rotate.Engine, g prometheus.Gatherer) fasthttp.RequestHandler {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	me := rotatefasthttp.Middleware(e, func(ctx *fasthttp.RequestCtx) {
		writeFastJSON(ctx, fasthttp.StatusOK, resultView(rotatefasthttp.ResultFromCtx(ctx)))
	}, common.WithWaitForRefresh(true))

	return func(ctx *fasthttp.RequestCtx) {
		switch path, get := string(ctx.Path()), ctx.IsGet(); {
		case path == "/healthz" && get:
			writeFastJSON(ctx, fasthttp.StatusOK, health(e))
		case path == "/keys" && get:
			writeFastJSON(ctx, fasthttp.StatusOK, viewKeys(e.Keys()))
		case path == "/refresh" && ctx.IsPost():
			rctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			status, body := refresh(rctx, e)
			writeFastJSON(ctx, status, body)
		case path == "/metrics" && get:
			metrics(ctx)
		case path == "/api/me" && get:
			me(ctx)
		default:
			ctx.Error(fasthttp.StatusMessage(fasthttp.StatusNotFound), fasthttp.StatusNotFound)
		}
	}
}

func writeFastJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
