package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cardwall/cardsync/internal/ui"
)

var errNoToken = errors.New("no token given; pass --token or run from a terminal")

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "setup",
	Short:   "Store an API token and verify it",
	Long: `Store an API token, verify it against the remote authority and cache the
signed-in user.

Without --token the token is read from an interactive prompt. If the
authority rejects the token, the stored token and user are cleared.`,
	Run: func(cmd *cobra.Command, args []string) {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			var err error
			token, err = promptToken()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		a := openApp(cmd.Context())
		defer a.Close()

		ctx, cancel := commandContext(cmd)
		defer cancel()

		user, err := a.Login(ctx, token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s Logged in as %s\n", ui.RenderPass("✓"), ui.RenderBold(user.Email))
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "setup",
	Short:   "Clear the stored token and user",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd.Context())
		defer a.Close()

		a.Logout()
		fmt.Printf("%s Logged out\n", ui.RenderPass("✓"))
	},
}

func promptToken() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errNoToken
	}

	var token string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API token").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("token is required")
					}
					return nil
				}).
				Value(&token),
		),
	)
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(token), nil
}

func init() {
	loginCmd.Flags().String("token", "", "API token (prompted when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
