package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"zbot/internal/api"
	"zbot/internal/channel"
	"zbot/internal/chat"
	"zbot/internal/config"
	"zbot/internal/eventbus"
	"zbot/internal/fallback"
	"zbot/internal/incident"
	"zbot/internal/llm"
	"zbot/internal/relay"
	"zbot/internal/security"
)

const dataDir = ".zbot"

// App holds the running service and everything it owns.
type App struct {
	cfg      *config.Config
	bus      *eventbus.Bus
	selector *llm.Selector
	store    *incident.SQLiteStore
	detach   func()
	relay    *relay.Relay
	chat     *chat.Service
	chanMgr  *channel.Manager
	server   *http.Server
}

// loadConfig reads .env, the config file and the environment, then resolves
// keyring placeholders.
func loadConfig(path string) (*config.Config, error) {
	config.LoadDotEnv()

	loader, err := config.NewLoader(path)
	if err != nil {
		return nil, fmt.Errorf("config loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", loader.FilePath(), err)
	}

	newKeyStore(cfg).ResolveSecrets(cfg)
	return cfg, nil
}

// newKeyStore returns a key store backed by the OS keyring, plus the
// encrypted vault when a passphrase is configured.
func newKeyStore(cfg *config.Config) *security.KeyStore {
	if cfg.Secrets.VaultPassphrase == "" {
		return security.NewKeyStore(nil)
	}
	dir := cfg.Secrets.VaultDir
	if dir == "" {
		dir = homePath()
	}
	vault, err := security.OpenVault(dir, cfg.Secrets.VaultPassphrase)
	if err != nil {
		log.Printf("[security] vault unavailable: %v", err)
		return security.NewKeyStore(nil)
	}
	return security.NewKeyStore(vault)
}

func homePath(elem ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(append([]string{home, dataDir}, elem...)...)
}

// NewApp builds every component. Provider construction never fails; the
// incident log and chat channels are optional and only logged on error.
func NewApp(ctx context.Context, cfg *config.Config) *App {
	a := &App{
		cfg:     cfg,
		bus:     eventbus.New(),
		chanMgr: channel.NewManager(),
	}

	if cfg.Incidents.Enabled {
		path := cfg.Incidents.DBPath
		if path == "" {
			path = homePath("incidents.db")
		}
		store, err := incident.Open(path)
		if err != nil {
			log.Printf("[incident] disabled: %v", err)
		} else {
			a.store = store
			a.detach = incident.Attach(store, a.bus)
		}
	}

	a.selector = llm.NewSelector(ctx, cfg)
	provider, opts := a.selector.Provider(), a.selector.Options()

	a.relay = relay.New(provider, opts, a.bus, relay.ConfigFrom(cfg.Relay, cfg.Server.CORSOrigins))
	a.chat = chat.New(provider, opts, fallback.New(), a.bus)

	if tg := cfg.Channels.Telegram; tg != nil && tg.Token != "" {
		a.chanMgr.Register(channel.NewTelegramChannel(*tg))
	}

	deps := api.Deps{
		Chat:      a.chat,
		Selector:  a.selector,
		Relay:     a.relay,
		Channels:  a.chanMgr,
		Origins:   cfg.Server.CORSOrigins,
		StaticDir: cfg.Server.StaticDir,
	}
	if a.store != nil {
		deps.Incidents = a.store
	}

	a.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           api.New(deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return a
}

// Run serves until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.chanMgr.StartAll(ctx); err != nil {
		log.Printf("[channel] %v", err)
	}
	a.chat.Serve(ctx, a.chanMgr)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("ZBot listening on %s (provider %s)", a.server.Addr, a.selector.Identity())
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Shutdown(shutdownCtx)
	return serveErr
}

// Shutdown stops accepting work, cancels open relay sessions and releases
// the provider and incident store.
func (a *App) Shutdown(ctx context.Context) {
	log.Println("Shutting down...")

	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
	if err := a.relay.Shutdown(ctx); err != nil {
		log.Printf("[relay] shutdown: %v", err)
	}
	a.chanMgr.StopAll(ctx)
	if err := a.selector.Close(); err != nil {
		log.Printf("[selector] close: %v", err)
	}

	a.bus.Wait()
	if a.detach != nil {
		a.detach()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("[incident] close: %v", err)
		}
	}
	log.Println("Server stopped")
}
