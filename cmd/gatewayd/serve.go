package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymux/gateway/internal/config"
	"github.com/relaymux/gateway/internal/logging"
	"github.com/relaymux/gateway/internal/selector"
	"github.com/relaymux/gateway/internal/store/memory"
	"github.com/relaymux/gateway/internal/store/postgres"
	"github.com/relaymux/gateway/internal/store/sqlite"
	"github.com/relaymux/gateway/internal/transport"
	"github.com/relaymux/gateway/internal/upstream"
	"github.com/relaymux/gateway/internal/upstream/gemini"
	"github.com/relaymux/gateway/internal/usage"
)

var (
	serveListen   string
	serveStoreDSN string
	serveMaxCands int
	serveUsageDSN string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the credential-selection gateway.

Loads the configuration, wires the selection core to its storage backend,
and starts the HTTP server serving the Claude Messages and OpenAI Chat
Completions endpoints.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveStoreDSN, "store", "memory", "selector store backend: memory, sqlite://path, or postgres://dsn")
	serveCmd.Flags().StringVar(&serveUsageDSN, "usage-store", "", "usage metering backend: memory, sqlite://path, postgres://dsn, or empty to disable")
	serveCmd.Flags().IntVar(&serveMaxCands, "max-candidates", 3, "max distinct credentials tried per request")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnv("."); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("gatewayd: load config: %w", err)
	}
	defer watcher.Close()

	cfg := watcher.Current()
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	if cfg.LogFile != "" {
		logging.UseRotatingFile(cfg.LogFile, 100, 5, 30)
	}

	health, tokens, configStore, configWriter, closeStore, err := buildSelectorStores(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	factory := selector.NewFactory(selector.Collaborators{HealthStore: health, TokenStore: tokens})
	manager := selector.NewManager(factory, configStore)
	defer manager.Close()

	watcher.OnReload(func(*config.Config) {
		logging.Infof("gatewayd: config reloaded, invalidating cached strategies")
		manager.InvalidateAll()
	})

	usageBackend, err := buildUsageBackend()
	if err != nil {
		return err
	}
	if usageBackend != nil {
		if err := usageBackend.Start(); err != nil {
			return fmt.Errorf("gatewayd: start usage backend: %w", err)
		}
		defer usageBackend.Stop()
	}

	clients := buildUpstreamClients(cfg)
	gateway := upstream.NewGateway(manager, clients, upstream.NewTiktokenEstimator(), serveMaxCands)
	if usageBackend != nil {
		gateway = gateway.WithUsageSink(usageSinkAdapter{usageBackend})
	}

	creds := newCredentialSource(watcher)

	listen := cfg.Listen
	if serveListen != "" {
		listen = serveListen
	}
	if listen == "" {
		listen = ":8080"
	}

	server := transport.New(transport.Options{
		Gateway:      gateway,
		Creds:        creds,
		Manager:      manager,
		Watcher:      watcher,
		AdminToken:   cfg.AdminToken,
		ConfigStore:  configStore,
		ConfigWriter: configWriter,
	})

	httpServer := &http.Server{Addr: listen, Handler: server.Engine()}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("gatewayd: listening on %s", listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("gatewayd: server error: %w", err)
	case <-sigCh:
		logging.Infof("gatewayd: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildSelectorStores(ctx context.Context) (selector.HealthStore, selector.TokenStore, selector.ConfigStore, transport.ConfigWriter, func(), error) {
	switch {
	case serveStoreDSN == "" || serveStoreDSN == "memory":
		cs := memory.NewConfigStore()
		return memory.NewHealthStore(), memory.NewTokenStore(), cs, cs, func() {}, nil

	case hasPrefix(serveStoreDSN, "sqlite://"):
		path := serveStoreDSN[len("sqlite://"):]
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		return store.HealthStore(), store.TokenStore(), store.ConfigStore(), store, func() { store.Close() }, nil

	case hasPrefix(serveStoreDSN, "postgres://"):
		store, err := postgres.Open(ctx, serveStoreDSN)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		return store.HealthStore(), store.TokenStore(), store.ConfigStore(), store, func() { store.Close() }, nil

	default:
		return nil, nil, nil, nil, nil, fmt.Errorf("gatewayd: unrecognized --store %q", serveStoreDSN)
	}
}

func buildUsageBackend() (usage.Backend, error) {
	switch {
	case serveUsageDSN == "":
		return nil, nil
	case serveUsageDSN == "memory":
		return usage.NewMemoryBackend(), nil
	case hasPrefix(serveUsageDSN, "sqlite://"):
		return usage.NewSQLiteBackend(serveUsageDSN[len("sqlite://"):], 0, 0)
	case hasPrefix(serveUsageDSN, "postgres://"):
		return usage.NewPostgresBackend(context.Background(), serveUsageDSN, 0, 0)
	default:
		return nil, fmt.Errorf("gatewayd: unrecognized --usage-store %q", serveUsageDSN)
	}
}

// buildUpstreamClients wires one upstream.Client per provider declared in
// config that this build knows how to speak to. Only Gemini/Vertex are
// wired today; an unconfigured provider simply has no client and Gateway
// returns an error for it at request time.
func buildUpstreamClients(cfg *config.Config) map[string]upstream.Client {
	clients := make(map[string]upstream.Client)

	if _, ok := cfg.Providers["gemini"]; ok {
		refs := secretRefsFor(cfg, "gemini")
		clients["gemini"] = gemini.NewGeminiAPIClient(envSecretResolver{}, refs)
	}
	if _, ok := cfg.Providers["vertex"]; ok {
		refs := secretRefsFor(cfg, "vertex")
		clients["vertex"] = gemini.NewVertexClient(os.Getenv("VERTEX_PROJECT"), os.Getenv("VERTEX_LOCATION"), envSecretResolver{}, refs)
	}
	return clients
}

func secretRefsFor(cfg *config.Config, provider string) map[int]string {
	refs := make(map[int]string)
	for _, spec := range cfg.Credentials(provider) {
		refs[spec.ID] = spec.SecretRef
	}
	return refs
}

type usageSinkAdapter struct {
	backend usage.Backend
}

func (a usageSinkAdapter) Enqueue(rec upstream.UsageRecord) {
	a.backend.Enqueue(usage.Record{
		Provider:      rec.Provider,
		CredentialID:  rec.CredentialID,
		Model:         rec.Model,
		EstimatedCost: rec.EstimatedCost,
		Success:       rec.Success,
		Timestamp:     rec.Timestamp,
	})
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
