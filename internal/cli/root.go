// Package cli implements the rotatectl commands.
package cli

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/keksclan/goRotate/internal/logging"
	"github.com/keksclan/goRotate/rotate"
	"github.com/spf13/cobra"
)

type settingsKey struct{}

func settingsFrom(ctx context.Context) Settings {
	if s, ok := ctx.Value(settingsKey{}).(Settings); ok {
		return s
	}
	return DefaultSettings()
}

// NewRootCommand returns the rotatectl command tree.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "rotatectl",
		Short: "Inspect JWKS endpoints and verify JWTs with automatic key rotation",
		Long: `rotatectl fetches JWKS documents, verifies tokens against them and runs a
small HTTP service that refreshes its key set whenever a token names an
unknown key id.

Every flag can also be set as an environment variable with the ROTATE_ prefix,
e.g. ROTATE_JWKS_URL. A .env file in the working directory is loaded first.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := LoadSettings(cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Env:     s.LogEnv,
				Level:   s.LogLevel,
				Service: "rotatectl",
				Version: version,
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = logging.ToContext(ctx, logger)
			cmd.SetContext(context.WithValue(ctx, settingsKey{}, s))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			_ = logging.From(cmd.Context()).Sync()
		},
	}
	registerFlags(root.PersistentFlags())
	root.AddCommand(
		newFetchCommand(),
		newVerifyCommand(),
		newServeCommand(),
		newDemoCommand(),
	)
	return root
}

func newEngine(ctx context.Context, opts ...rotate.Option) (*rotate.Engine, error) {
	cfg, err := settingsFrom(ctx).RotateConfig(ctx)
	if err != nil {
		return nil, err
	}
	opts = append([]rotate.Option{rotate.WithLogger(logging.From(ctx))}, opts...)
	return rotate.New(cfg, opts...)
}

type keyView struct {
	KeyID     string `json:"kid"`
	KeyType   string `json:"kty"`
	Algorithm string `json:"alg,omitempty"`
}

func viewKeys(keys []rotate.Key) []keyView {
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView{KeyID: k.ID, KeyType: keyType(k.Material), Algorithm: k.Algorithm})
	}
	return out
}

func keyType(material any) string {
	switch material.(type) {
	case *rsa.PublicKey:
		return "RSA"
	case *ecdsa.PublicKey:
		return "EC"
	case ed25519.PublicKey:
		return "OKP"
	default:
		return "unknown"
	}
}

func printKeys(w io.Writer, keys []rotate.Key, asJSON bool) error {
	views := viewKeys(keys)
	if asJSON {
		return writeJSON(w, views)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KID\tKTY\tALG")
	for _, k := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k.KeyID, k.KeyType, k.Algorithm)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
