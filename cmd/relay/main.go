// Command relay runs the Antigravity protocol-translating reverse proxy.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antigravity-relay/relay/internal/account"
	"github.com/antigravity-relay/relay/internal/config"
	"github.com/antigravity-relay/relay/internal/dispatch"
	"github.com/antigravity-relay/relay/internal/logging"
	"github.com/antigravity-relay/relay/internal/quota"
	"github.com/antigravity-relay/relay/internal/selector"
	"github.com/antigravity-relay/relay/internal/server"
	"github.com/antigravity-relay/relay/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Bootstrap logging isn't configured yet; this is the one place a
		// plain stderr write is appropriate.
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logging.Setup(cfg.LogFormat, envLogLevel())

	store := account.NewStore(cfg.CooldownDurationMs)
	for _, cred := range cfg.Accounts {
		res := store.Add(cred)
		slog.Info("account loaded", "component", "bootstrap", "account_id", res.ID, "is_new", res.IsNew)
	}
	poolSize := len(store.ListIDs())

	refresher := account.NewRefresher(store, cfg.AntigravityClientID, cfg.AntigravityClientSecret, nil)
	upstreamClient := transport.New(cfg.BaseURLs, refresher, store)
	resolver := account.NewResolver(store, upstreamClient)
	quotaTracker := quota.NewTracker(store, upstreamClient)
	sel := selector.New(store)

	dispatcher := dispatch.New(store, sel, resolver, upstreamClient, dispatch.Config{
		MaxRetryAccounts: cfg.MaxRetryAccounts,
		PoolSize:         poolSize,
	})

	srv := server.New(dispatcher, quotaTracker, store, cfg.ProxyAPIKey)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv,
	}

	go func() {
		slog.Info("listening", "component", "bootstrap", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "bootstrap", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down", "component", "bootstrap")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "component", "bootstrap", "err", err)
	}
}

func envLogLevel() string {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}
