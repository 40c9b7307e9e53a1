package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/screenstream/relay/internal/auth"
	"github.com/screenstream/relay/internal/config"
	"github.com/screenstream/relay/internal/httpserver"
	"github.com/screenstream/relay/internal/icepool"
	"github.com/screenstream/relay/internal/metrics"
	"github.com/screenstream/relay/internal/nonce"
	"github.com/screenstream/relay/internal/ratelimit"
	"github.com/screenstream/relay/internal/registry"
	"github.com/screenstream/relay/internal/signaling"
	"github.com/screenstream/relay/internal/turnrest"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting screenstream-relay",
		"listen_addr", cfg.ListenAddr,
		"server_origin", cfg.ServerOrigin,
		"mode", cfg.Mode,
		"turn_enabled", cfg.TURNEnabled,
		"error_budget_limit", cfg.ErrorBudgetLimit,
		"max_message_bytes", cfg.MaxMessageBytes,
		"client_relay_timeout", cfg.ClientRelayTimeout,
		"host_relay_timeout", cfg.HostRelayTimeout,
	)
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	clock := ratelimit.RealClock{}
	nonces := nonce.NewStore(clock)

	var turn *turnrest.Generator
	if cfg.TURNEnabled {
		turn, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret: cfg.TURNSharedSecret,
			TTLSeconds:   cfg.TURNTTLSeconds,
		})
		if err != nil {
			logger.Error("failed to configure TURN credentials", "err", err)
			os.Exit(2)
		}
	}

	pool := icepool.New(icepool.Config{
		ServerOrigin: cfg.ServerOrigin,
		TURN:         turn,
		Logger:       logger,
		Metrics:      m,
	})

	var tokens auth.TokenSource
	if cfg.GoogleServiceAccountEmail != "" {
		tokens, err = auth.NewServiceAccountTokenSource(
			cfg.GoogleServiceAccountEmail,
			cfg.GoogleServiceAccountKey,
			auth.PlayIntegrityScope,
			cfg.IntegrityTokenEndpoint,
		)
		if err != nil {
			logger.Error("failed to configure service account", "err", err)
			os.Exit(2)
		}
	}

	gate := &auth.Gate{
		Turnstile: &auth.TurnstileVerifier{
			Secret:   cfg.TurnstileSecretKey,
			Origin:   cfg.ServerOrigin,
			Endpoint: cfg.TurnstileEndpoint,
		},
		Integrity: &auth.IntegrityVerifier{
			AppPackage:  cfg.AndroidAppPackage,
			CertSHA256:  cfg.AndroidAppCert256,
			Endpoint:    cfg.IntegrityEndpoint,
			Tokens:      tokens,
			Nonces:      nonces,
			MaxTokenAge: cfg.HostTokenMaxAge,
			Logger:      logger,
		},
		Logger: logger,
	}

	claims := auth.ClaimVerifier{
		Audience: cfg.ServerOrigin,
		Issuer:   cfg.AndroidAppPackage,
	}

	reg := registry.New()
	broker := signaling.NewBroker(reg, pool, claims, m, logger, cfg.ClientRelayTimeout, cfg.HostRelayTimeout)
	sigsrv := signaling.NewServer(cfg, gate, broker, m, logger, clock)
	srv := httpserver.New(cfg, nonces, sigsrv, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nonces.Run(ctx)
	go pool.Run(ctx)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	case s := <-sigCh:
		logger.Info("shutting down", "signal", s.String())
	}

	cancel()
	// Live websockets hold Shutdown open, so they go first.
	sigsrv.Shutdown()

	shutdownCtx, release := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer release()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete, forcing close", "err", err)
		_ = srv.Close()
	}
	logger.Info("shutdown complete")
}
