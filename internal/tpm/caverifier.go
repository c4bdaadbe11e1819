package tpm

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CAPathProvider returns the current set of manufacturer CA bundle
// file paths to trust, e.g. sourced from config or a directory scan.
type CAPathProvider func() ([]string, error)

// NewCAVerifier builds a CAVerifier that trusts the certificates found
// at the paths pathProvider returns, loaded once here and again on every
// refresh tick. initialPaths only seeds the recorded path list; no
// certificates are read from it.
func NewCAVerifier(ctx context.Context, initialPaths []string, pathProvider CAPathProvider, log *logrus.Logger) *verifier {
	v := &verifier{
		pathProvider:    pathProvider,
		log:             log,
		paths:           initialPaths,
		refreshInterval: 10 * time.Minute,
		ctx:             ctx,
	}
	_ = v.reloadCertPool()
	go v.periodicReload()
	return v
}

type verifier struct {
	pathProvider    CAPathProvider
	log             *logrus.Logger
	refreshInterval time.Duration
	ctx             context.Context

	mu       sync.RWMutex
	paths    []string
	certPool *x509.CertPool
}

// VerifyChain checks that the given DER-encoded certificate chains to
// one of the currently loaded manufacturer CA certificates.
func (v *verifier) VerifyChain(certDER []byte) error {
	v.mu.RLock()
	pool := v.certPool
	v.mu.RUnlock()

	if pool == nil {
		return ErrManufacturerCACertsNotConfigured
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parsing certificate: %w", err)
	}

	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedCert, err)
	}
	return nil
}

// reloadCertPool fetches the current path list from pathProvider,
// loads every PEM bundle found at those paths into a fresh pool, and
// swaps it in. It fails if no certificate could be loaded at all.
func (v *verifier) reloadCertPool() error {
	if v.pathProvider == nil {
		return fmt.Errorf("no CA path provider configured")
	}

	paths, err := v.pathProvider()
	if err != nil {
		return fmt.Errorf("listing CA paths: %w", err)
	}

	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	pool := x509.NewCertPool()
	loaded := 0
	for _, p := range sorted {
		data, err := os.ReadFile(p)
		if err != nil {
			if v.log != nil {
				v.log.WithError(err).WithField("path", p).Warn("failed to read manufacturer CA bundle")
			}
			continue
		}
		if pool.AppendCertsFromPEM(data) {
			loaded++
		}
	}

	v.mu.Lock()
	v.paths = sorted
	if loaded > 0 {
		v.certPool = pool
	} else {
		v.certPool = nil
	}
	v.mu.Unlock()

	if loaded == 0 {
		return ErrManufacturerCACertsNotConfigured
	}
	return nil
}

// periodicReload refreshes the cert pool from pathProvider on
// refreshInterval ticks until the verifier's context is cancelled.
func (v *verifier) periodicReload() {
	ticker := time.NewTicker(v.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			if err := v.reloadCertPool(); err != nil && v.log != nil {
				v.log.WithError(err).Debug("manufacturer CA reload found no usable certificates")
			}
		}
	}
}
