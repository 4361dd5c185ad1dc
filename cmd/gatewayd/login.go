package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaymux/gateway/internal/oauth"
)

var loginNoBrowser bool

var loginCmd = &cobra.Command{
	Use:   "login [provider]",
	Short: "Run the interactive OAuth login flow for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := args[0]
		ep, err := loginEndpointFor(provider)
		if err != nil {
			return err
		}

		data, err := oauth.Login(context.Background(), ep, oauth.Options{NoBrowser: loginNoBrowser})
		if err != nil {
			return err
		}

		raw, err := oauth.MarshalTokenData(data)
		if err != nil {
			return err
		}
		fmt.Printf("Store the following as the credential's secret (e.g. in .env):\n%s\n", raw)
		return nil
	},
}

func init() {
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "print the URL instead of opening a browser")
	rootCmd.AddCommand(loginCmd)
}

// loginEndpointFor resolves a provider name to its OAuth2 endpoint.
// Client IDs for first-party OAuth clients are looked up from environment
// variables rather than hard-coded, since a public client ID still
// shouldn't be baked into a general-purpose gateway binary.
func loginEndpointFor(provider string) (oauth.Endpoint, error) {
	switch provider {
	case "gemini", "vertex":
		return oauth.Endpoint{
			ProviderName: "Gemini",
			ClientID:     os.Getenv("GEMINI_OAUTH_CLIENT_ID"),
			AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			Scopes:       []string{"https://www.googleapis.com/auth/cloud-platform"},
		}, nil
	default:
		return oauth.Endpoint{}, fmt.Errorf("gatewayd: no OAuth endpoint known for provider %q", provider)
	}
}
