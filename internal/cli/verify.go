package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/keksclan/goRotate/rotate"
	"github.com/spf13/cobra"
)

type verifyView struct {
	KeyID     string         `json:"kid"`
	Subject   string         `json:"sub,omitempty"`
	Issuer    string         `json:"iss,omitempty"`
	Audience  []string       `json:"aud,omitempty"`
	Scopes    []string       `json:"scopes,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Claims    map[string]any `json:"claims"`
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [token|-]",
		Short: "Verify a JWT, refreshing the key set once if its kid is unknown",
		Long: `Verify reads the token from the first argument, or from standard input when
the argument is "-" or missing. A token naming an unknown kid triggers one
JWKS refresh before the command gives up.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s := settingsFrom(ctx)
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := context.WithTimeout(ctx, 2*s.FetchTimeout)
			defer cancel()
			res, err := e.VerifyWait(ctx, token)
			if err != nil {
				if errors.Is(err, rotate.ErrMissingKey) {
					return fmt.Errorf("%w (known kids: %s)", err, strings.Join(kids(e.Keys()), ", "))
				}
				return err
			}
			return printResult(cmd.OutOrStdout(), res, s.JSON)
		},
	}
}

func readToken(args []string, in io.Reader) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errors.New("no token given")
	}
	return token, nil
}

func kids(keys []rotate.Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.ID)
	}
	return out
}

func printResult(w io.Writer, res *rotate.Result, asJSON bool) error {
	v := resultView(res)
	if asJSON {
		return writeJSON(w, v)
	}
	fmt.Fprintf(w, "valid token (kid %s)\n", v.KeyID)
	if v.Subject != "" {
		fmt.Fprintf(w, "  sub: %s\n", v.Subject)
	}
	if v.Issuer != "" {
		fmt.Fprintf(w, "  iss: %s\n", v.Issuer)
	}
	if len(v.Audience) > 0 {
		fmt.Fprintf(w, "  aud: %s\n", strings.Join(v.Audience, ", "))
	}
	if v.ExpiresAt != nil {
		fmt.Fprintf(w, "  exp: %s\n", v.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
