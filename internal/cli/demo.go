package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keksclan/goRotate/internal/logging"
	"github.com/keksclan/goRotate/rotate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newDemoCommand() *cobra.Command {
	var (
		issuerListen string
		keep         int
		rotateEvery  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a demo issuer with rotating keys next to the serve endpoints",
		Long: `demo starts an in-memory issuer on --issuer-listen:

  GET  /token?sub=NAME  mint a token signed with the newest key
  POST /rotate          switch to a fresh signing key
  GET  /jwks            newest --keep public keys, without max-age

and then runs serve against it. Rotate the issuer and call /api/me with a new
token: the first request refreshes the key set. Demo only; keys are
generated on start and never persisted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := logging.From(ctx)

			iss, err := newIssuer("http://"+issuerListen, keep, logger.Named("issuer"))
			if err != nil {
				return err
			}
			s := settingsFrom(ctx)
			s.JWKSURL = "http://" + issuerListen + "/jwks"
			s.Issuer = "http://" + issuerListen
			ctx = context.WithValue(ctx, settingsKey{}, s)

			srv := &http.Server{Addr: issuerListen, Handler: iss.handler(), ReadHeaderTimeout: 5 * time.Second}
			grp, gctx := errgroup.WithContext(ctx)
			grp.Go(func() error {
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			grp.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			if rotateEvery > 0 {
				grp.Go(func() error { return rotateLoop(gctx, iss, rotateEvery) })
			}
			grp.Go(func() error {
				reg := newRegistry()
				e, err := newEngine(gctx, rotate.WithMetrics(reg))
				if err != nil {
					return err
				}
				defer e.Close()
				return runServe(gctx, s, e, reg)
			})
			logger.Info("demo issuer listening", zap.String("listen", issuerListen))
			return grp.Wait()
		},
	}
	cmd.Flags().StringVar(&issuerListen, "issuer-listen", "127.0.0.1:9090", "listen address of the demo issuer")
	cmd.Flags().IntVar(&keep, "keep", 2, "number of keys the issuer publishes")
	cmd.Flags().DurationVar(&rotateEvery, "rotate-every", 0, "rotate the signing key periodically (0 disables)")
	return cmd
}

func rotateLoop(ctx context.Context, iss *issuer, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := iss.rotate(); err != nil {
				return err
			}
		}
	}
}
