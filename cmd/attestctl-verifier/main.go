package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	apiserver "github.com/flightctl/attestctl/internal/api_server"
	fcmiddleware "github.com/flightctl/attestctl/internal/api_server/middleware"
	"github.com/flightctl/attestctl/internal/config"
	"github.com/flightctl/attestctl/internal/store"
	"github.com/flightctl/attestctl/internal/verifier"
	"github.com/flightctl/attestctl/pkg/log"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

func main() {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "attestctl-verifier",
		Short: "Run the attestctl Verifier service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("reading configuration: %w", err)
			}
			return runCmd(cfg)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults layered under environment/CLI when omitted)")

	if err := cmd.Execute(); err != nil {
		log.InitLogs().WithError(err).Fatal("Verifier service error")
	}
}

func runCmd(cfg *config.Config) error {
	logger := log.InitLogs(cfg.Service.LogLevel)
	logger.Info("Starting Verifier service")
	defer logger.Info("Verifier service stopped")
	logger.Infof("Using config: %s", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)

	var cleanupFuncs []func() error
	defer func() {
		cancel()
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			if err := cleanupFuncs[i](); err != nil {
				logger.WithError(err).Error("cleanup error")
			}
		}
	}()

	logger.Info("Initializing data store")
	db, err := store.InitDB(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing data store: %w", err)
	}
	if err := store.InitialMigration(db); err != nil {
		return fmt.Errorf("running initial migration: %w", err)
	}
	dataStore := store.NewStore(db, logger)
	cleanupFuncs = append(cleanupFuncs, func() error {
		logger.Info("Closing database connections")
		return dataStore.Close()
	})

	var nonceCache verifier.NonceCache
	if cfg.KV.Hostname != "" {
		addr := fmt.Sprintf("%s:%d", cfg.KV.Hostname, cfg.KV.Port)
		redisCache, err := verifier.NewRedisNonceCache(ctx, addr, cfg.KV.Password.Value(), cfg.KV.DB)
		if err != nil {
			logger.WithError(err).Warn("connecting to Redis nonce cache, continuing without it")
		} else {
			nonceCache = redisCache
			cleanupFuncs = append(cleanupFuncs, func() error {
				logger.Info("Closing Redis connection")
				return redisCache.Close()
			})
		}
	}

	coordinatorLog := log.NewPrefixLoggerFromLogger("verifier-coordinator", logger)
	coordinator := verifier.NewAttestationCoordinator(
		dataStore, nonceCache,
		cfg.Verifier.NonceLifetime, cfg.Verifier.QuoteInterval, cfg.Verifier.VerificationTimeout,
		cfg.Verifier.AcceptedHashAlgs, cfg.Verifier.AcceptedEncAlgs, cfg.Verifier.AcceptedSignAlgs,
		coordinatorLog,
	)

	runtimePolicy, tpmPolicy, mbPolicy, err := verifier.LoadPolicyFile(cfg.Verifier.PolicyFile)
	if err != nil {
		return fmt.Errorf("loading policy file: %w", err)
	}
	evidenceVerifier := verifier.NewEvidenceVerifier(
		dataStore, cfg.Verifier.IMAPCRIndex, tpmPolicy, mbPolicy, runtimePolicy,
		log.NewPrefixLoggerFromLogger("verifier-evidence", logger),
	)

	janitorLog := log.NewPrefixLoggerFromLogger("verifier-janitor", logger)
	janitor, err := verifier.NewJanitor(dataStore, cfg.Verifier.JanitorSchedule, cfg.Verifier.QuoteInterval, cfg.Verifier.VerificationTimeout, janitorLog)
	if err != nil {
		return fmt.Errorf("initializing janitor: %w", err)
	}
	go janitor.Run(ctx)

	cert, err := config.LoadServerCertificates(cfg, logger)
	if err != nil {
		return fmt.Errorf("loading server certificates: %w", err)
	}
	cfg.Service.RequireMTLS = true
	tlsCfg, err := config.TLSConfigForServer(cfg, cert)
	if err != nil {
		return fmt.Errorf("building TLS configuration: %w", err)
	}
	listener, err := fcmiddleware.NewTLSListener(cfg.Service.Address, tlsCfg)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	server := apiserver.New(logger, cfg, listener, func(r chi.Router) {
		verifier.RegisterRoutes(r, coordinator, evidenceVerifier, dataStore.Attestations(), cfg.RateLimit, log.NewPrefixLoggerFromLogger("verifier-http", logger))
	})

	logger.Info("Verifier service started, waiting for shutdown signal...")
	err = server.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
