package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	apiserver "github.com/flightctl/attestctl/internal/api_server"
	fcmiddleware "github.com/flightctl/attestctl/internal/api_server/middleware"
	"github.com/flightctl/attestctl/internal/config"
	"github.com/flightctl/attestctl/internal/registrar"
	"github.com/flightctl/attestctl/internal/store"
	"github.com/flightctl/attestctl/internal/tpm"
	"github.com/flightctl/attestctl/pkg/log"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

func main() {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "attestctl-registrar",
		Short: "Run the attestctl Registrar service",
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
		log.InitLogs().WithError(err).Fatal("Registrar service error")
	}
}

func runCmd(cfg *config.Config) error {
	logger := log.InitLogs(cfg.Service.LogLevel)
	logger.Info("Starting Registrar service")
	defer logger.Info("Registrar service stopped")
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

	var caVerifier registrar.CAVerifier
	if cfg.Registrar.VerifyEKCertChain && cfg.Registrar.TPMCertStore != "" {
		paths, err := manufacturerCAPaths(cfg.Registrar.TPMCertStore)
		if err != nil {
			return fmt.Errorf("listing manufacturer CA store: %w", err)
		}
		caVerifier = tpm.NewCAVerifier(ctx, paths, func() ([]string, error) {
			return manufacturerCAPaths(cfg.Registrar.TPMCertStore)
		}, logger)
	}

	enroller := registrar.NewAgentEnroller(
		dataStore.Agents(),
		caVerifier,
		cfg.Registrar.TPMIdentity,
		cfg.Registrar.VerifyEKCertChain,
		cfg.Registrar.HMACHashAlg,
		log.NewPrefixLoggerFromLogger("registrar", logger),
	)

	cert, err := config.LoadServerCertificates(cfg, logger)
	if err != nil {
		return fmt.Errorf("loading server certificates: %w", err)
	}
	tlsCfg, err := config.TLSConfigForServer(cfg, cert)
	if err != nil {
		return fmt.Errorf("building TLS configuration: %w", err)
	}
	// The outer listener always accepts an optional client certificate
	// so enroll/activate work before an agent has one; routes.go gates
	// the certificate-requiring endpoints with RequireClientCert.
	listener, err := fcmiddleware.NewTLSListener(cfg.Service.Address, tlsCfg)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	// Flipped only to select apiserver.New's ConnContext-instrumented
	// http.Server variant, which populates the peer-certificate context
	// RequireClientCert reads; the listener's own ClientAuth policy
	// above is what actually decides whether a certificate is required.
	cfg.Service.RequireMTLS = true
	server := apiserver.New(logger, cfg, listener, func(r chi.Router) {
		registrar.RegisterRoutes(r, enroller, cfg.RateLimit)
	})

	logger.Info("Registrar service started, waiting for shutdown signal...")
	err = server.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// manufacturerCAPaths lists the PEM files in dir, the trust roots for
// EK certificate chain validation when registrar.verifyEkCertChain is
// enabled.
func manufacturerCAPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".pem", ".crt":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}
