package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paficent/pesde/pkg/config"
	"github.com/Paficent/pesde/pkg/errors"
)

// newAuthCmd creates the auth command group. Token acquisition flows
// (device login against a registry) belong to the external token
// service; this group manages the locally stored per-index tokens.
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage registry authentication tokens",
	}
	cmd.AddCommand(newAuthLoginCmd())
	cmd.AddCommand(newAuthLogoutCmd())
	cmd.AddCommand(newAuthWhoamiCmd())
	cmd.AddCommand(newAuthTokenCmd())
	return cmd
}

// indexFromFlag resolves the -i flag to an index URL via the user
// config's default.
func indexFromFlag(index string) (string, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", nil, err
	}
	if index == "" {
		index = cfg.DefaultIndex
	}
	return index, cfg, nil
}

func newAuthLoginCmd() *cobra.Command {
	var index string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an access token for an index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, cfg, err := indexFromFlag(index)
			if err != nil {
				return err
			}

			fmt.Printf("token for %s: ", url)
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return err
			}
			token := strings.TrimSpace(string(raw))
			if token == "" {
				return errors.New(errors.ErrCodeAuthInvalid, "empty token")
			}

			cfg.Tokens[url] = token
			if err := cfg.Save(); err != nil {
				return err
			}
			printSuccess("stored token for %s", url)
			return nil
		},
	}
	cmd.Flags().StringVarP(&index, "index", "i", "", "index URL to authenticate against")
	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	var index string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored token for an index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, cfg, err := indexFromFlag(index)
			if err != nil {
				return err
			}
			if _, ok := cfg.Tokens[url]; !ok {
				printInfo("no token stored for %s", url)
				return nil
			}
			delete(cfg.Tokens, url)
			if err := cfg.Save(); err != nil {
				return err
			}
			printSuccess("removed token for %s", url)
			return nil
		},
	}
	cmd.Flags().StringVarP(&index, "index", "i", "", "index URL to log out from")
	return cmd
}

func newAuthWhoamiCmd() *cobra.Command {
	var index string
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show whether a token is stored for an index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, cfg, err := indexFromFlag(index)
			if err != nil {
				return err
			}
			if _, ok := cfg.Tokens[url]; !ok {
				printInfo("not authenticated against %s", url)
				return nil
			}
			printSuccess("authenticated against %s", url)
			return nil
		},
	}
	cmd.Flags().StringVarP(&index, "index", "i", "", "index URL to check")
	return cmd
}

func newAuthTokenCmd() *cobra.Command {
	var index string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the stored token for an index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, cfg, err := indexFromFlag(index)
			if err != nil {
				return err
			}
			token, ok := cfg.Tokens[url]
			if !ok {
				return errors.New(errors.ErrCodeAuthRequired, "no token stored for %s", url)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&index, "index", "i", "", "index URL to print the token for")
	return cmd
}
