package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/skratchdot/open-golang/open"
	"golang.org/x/oauth2"

	"github.com/relaymux/gateway/internal/logging"
)

// Endpoint names the OAuth2 authorization/token URLs and client ID a
// provider's PKCE login flow runs against. cmd/gatewayd's login command
// builds one per provider that authenticates via OAuth rather than a bare
// API key.
type Endpoint struct {
	ProviderName string
	ClientID     string
	AuthURL      string
	TokenURL     string
	RedirectPort int // local callback listener port; 0 picks an ephemeral port
	Scopes       []string
}

// TokenData is what a completed login exchange yields: an access/refresh
// token pair plus whatever account identifier the provider's token endpoint
// hands back (used as a human-readable label in admin surfaces, not by the
// selection core).
type TokenData struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	AccountEmail string    `json:"account_email,omitempty"`
}

// Options tunes Login's interactive behavior.
type Options struct {
	NoBrowser bool
}

// Login runs a full PKCE authorization-code flow: starts a local callback
// listener, opens (or prints) the provider's consent URL, waits for the
// redirect, and exchanges the returned code for a token pair.
func Login(ctx context.Context, ep Endpoint, opts Options) (*TokenData, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", ep.RedirectPort))
	if err != nil {
		return nil, fmt.Errorf("oauth: listen for callback: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	conf := &oauth2.Config{
		ClientID:    ep.ClientID,
		Scopes:      ep.Scopes,
		RedirectURL: redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.AuthURL,
			TokenURL: ep.TokenURL,
		},
	}

	authURL := conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkce.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{Handler: callbackHandler(state, codeCh, errCh)}
	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logging.Errorw("oauth: callback server stopped", serveErr, "provider", ep.ProviderName)
		}
	}()
	defer srv.Close()

	openBrowserForAuth(ep.ProviderName, authURL, port, opts.NoBrowser)
	fmt.Printf("Waiting for %s authentication callback...\n", ep.ProviderName)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("oauth: %s login timed out waiting for callback", ep.ProviderName)
	}

	token, err := conf.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", pkce.CodeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("oauth: %s token exchange: %w", ep.ProviderName, err)
	}

	fmt.Printf("%s authentication successful\n", ep.ProviderName)
	return &TokenData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		AccountEmail: extractEmail(token),
	}, nil
}

// Refresh exchanges a stored refresh token for a new access token, used by
// SecretResolver implementations whose backing token has expired.
func Refresh(ctx context.Context, ep Endpoint, refreshToken string) (*TokenData, error) {
	conf := &oauth2.Config{
		ClientID: ep.ClientID,
		Endpoint: oauth2.Endpoint{AuthURL: ep.AuthURL, TokenURL: ep.TokenURL},
	}
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth: %s refresh: %w", ep.ProviderName, err)
	}
	return &TokenData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		AccountEmail: extractEmail(token),
	}, nil
}

func callbackHandler(wantState string, codeCh chan<- string, errCh chan<- error) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != wantState {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth: callback state mismatch")
			return
		}
		if authErr := q.Get("error"); authErr != "" {
			http.Error(w, authErr, http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth: provider returned error: %s", authErr)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth: callback missing code parameter")
			return
		}
		fmt.Fprint(w, "Authentication complete, you can close this tab.")
		codeCh <- code
	})
	return mux
}

func openBrowserForAuth(providerName, authURL string, port int, noBrowser bool) {
	if noBrowser {
		fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
		return
	}
	fmt.Printf("Opening browser for %s authentication\n", providerName)
	if err := open.Run(authURL); err != nil {
		logging.Warnf("oauth: failed to open browser automatically: %v", err)
		fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
	}
}

// extractEmail pulls a provider-supplied account identifier out of the
// token's raw extra fields, when present. Returns "" when the provider
// doesn't echo one back.
func extractEmail(token *oauth2.Token) string {
	raw := token.Extra("email")
	if raw == nil {
		raw = token.Extra("id_token")
	}
	s, _ := raw.(string)
	return s
}

// MarshalTokenData is a small convenience for callers (the login command,
// Resolver's refresh write-back) persisting a TokenData as the literal
// bytes behind a SecretRef.
func MarshalTokenData(t *TokenData) ([]byte, error) {
	return json.Marshal(t)
}
