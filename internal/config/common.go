package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

var (
	ErrServerCertsNotFound = errors.New("server certificate files not found")
	ErrInvalidServerCerts  = errors.New("server certificate files are invalid")
)

// LoadServerCertificates loads the TLS server keypair used by the
// HTTP listener. If cfg.Service.SrvCertFile/SrvKeyFile are set they are
// used as-is (and must exist); otherwise the default
// <CertStore>/<ServerCertName>.{crt,key} pair is used.
func LoadServerCertificates(cfg *Config, log *logrus.Logger) (*tls.Certificate, error) {
	certFile := cfg.Service.SrvCertFile
	keyFile := cfg.Service.SrvKeyFile
	if certFile == "" {
		certFile = filepath.Join(cfg.Service.CertStore, cfg.Service.ServerCertName+".crt")
	}
	if keyFile == "" {
		keyFile = filepath.Join(cfg.Service.CertStore, cfg.Service.ServerCertName+".key")
	}

	if _, err := os.Stat(certFile); err != nil {
		return nil, ErrServerCertsNotFound
	}
	if _, err := os.Stat(keyFile); err != nil {
		return nil, ErrServerCertsNotFound
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		log.WithError(err).Error("failed to parse server certificate/key pair")
		return nil, ErrInvalidServerCerts
	}
	return &cert, nil
}

// TLSConfigForServer builds the listener-side tls.Config for either
// service: cfg.Service.RequireMTLS selects whether a client
// certificate is mandatory (Verifier, and the Registrar's
// certificate-gated routes) or merely accepted when present
// (Registrar's enroll/activate, reachable from a not-yet-enrolled
// agent). cfg.Service.CACertFile supplies the pool a presented client
// certificate is verified against.
func TLSConfigForServer(cfg *Config, cert *tls.Certificate) (*tls.Config, error) {
	clientAuth := tls.VerifyClientCertIfGiven
	if cfg.Service.RequireMTLS {
		clientAuth = tls.RequireAndVerifyClientCert
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.Service.CACertFile != "" {
		caBytes, err := os.ReadFile(cfg.Service.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("no usable certificates found in %s", cfg.Service.CACertFile)
		}
		tlsCfg.ClientCAs = pool
	} else if clientAuth != tls.VerifyClientCertIfGiven {
		return nil, fmt.Errorf("requireMtls is set but no CA certificate file is configured")
	}

	return tlsCfg, nil
}
