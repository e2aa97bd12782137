// Command attestd serves the trust attestation engine over HTTP.
//
// Settings come from TRUST_* environment variables (see package config);
// the pin table and allow-lists come from the JSON file named by
// TRUST_TABLES_PATH, which is re-read periodically so pins can rotate
// without a restart.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	attestation "github.com/kacy/trust-attestation"
	"github.com/kacy/trust-attestation/android"
	"github.com/kacy/trust-attestation/config"
	"github.com/kacy/trust-attestation/httpapi"
	"github.com/kacy/trust-attestation/logging"
	"github.com/kacy/trust-attestation/pinning"
	attestredis "github.com/kacy/trust-attestation/redis"
	"github.com/kacy/trust-attestation/store"
)

const appName = "attestd"

func main() {
	addr := flag.String("http", "", "HTTP listen address (overrides "+config.EnvHTTPAddr+")")
	flag.Parse()

	logging.Init(appName)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logging.Logger.WithError(err).Fatal("invalid configuration")
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	tables, err := config.LoadTables(cfg.TablesPath)
	if err != nil {
		logging.Logger.WithError(err).Fatal("failed to load trust tables")
	}
	pinTable, err := tables.PinTable()
	if err != nil {
		logging.Logger.WithError(err).Fatal("invalid pin table")
	}
	pins := pinning.NewStore(pinTable)

	var (
		attestStore store.Store
		ping        func(context.Context) error
	)
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer client.Close()

		rs, err := attestredis.NewAttestationStore(attestredis.Config{
			Client: redisAdapter{client: client},
		})
		if err != nil {
			logging.Logger.WithError(err).Fatal("failed to create redis store")
		}
		attestStore = rs
		ping = rs.Ping
		logging.Logger.WithField("addr", cfg.RedisAddr).Info("using redis attestation store")
	}

	var corroborator *android.Corroborator
	if cfg.AndroidEnabled() {
		corroborator, err = android.NewCorroborator(android.Config{
			PackageName:        cfg.AndroidPackage,
			GCPProjectID:       cfg.GCPProject,
			GCPCredentialsFile: cfg.GCPCredentialsFile,
		})
		if err != nil {
			logging.Logger.WithError(err).Fatal("failed to create Play Integrity corroborator")
		}
	}

	// No server-side probe: the daemon's own process says nothing about the
	// client, so requests without a runtime or native report are low trust.
	server, err := attestation.NewServer(attestation.ServerConfig{
		Secret:        []byte(cfg.MACSecret),
		Pins:          pins,
		Integrity:     tables.IntegrityConfig(),
		Root:          tables.RootConfig(),
		RASP:          tables.RASPConfig(cfg.ProbeTimeout),
		ClientModules: tables.NativeModules(),
		Store:         attestStore,
		Android:       corroborator,
	})
	if err != nil {
		logging.Logger.WithError(err).Fatal("failed to create attestation server")
	}
	defer server.Close()

	reloader, err := pinning.NewReloader(pins, config.PinSource(cfg.TablesPath), cfg.PinReloadInterval)
	if err != nil {
		logging.Logger.WithError(err).Fatal("failed to create pin reloader")
	}
	reloader.Start()
	defer reloader.Stop()

	health := httpapi.NewHealth(ping)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(httpapi.NewHandler(server), health, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logging.Logger.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Logger.WithField("signal", sig.String()).Info("shutting down")

	health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Logger.WithError(err).Error("HTTP server shutdown failed")
	}
}

// redisAdapter satisfies attestredis.Cmdable with a go-redis client.
type redisAdapter struct {
	client *goredis.Client
}

func (a redisAdapter) Get(ctx context.Context, key string) attestredis.StringCmd {
	return a.client.Get(ctx, key)
}

func (a redisAdapter) SetNX(ctx context.Context, key string, value any, expiration time.Duration) attestredis.BoolCmd {
	return a.client.SetNX(ctx, key, value, expiration)
}

func (a redisAdapter) Ping(ctx context.Context) attestredis.StatusCmd {
	return a.client.Ping(ctx)
}
