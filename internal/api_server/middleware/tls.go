package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"

	"github.com/flightctl/attestctl/internal/config"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	TLSCommonNameContextKey      contextKey = "tls-cn"
	TLSPeerCertificateContextKey contextKey = "tls-peer-cert"
)

func NewHTTPServer(router http.Handler, log logrus.FieldLogger, address string, cfg *config.Config) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           router,
		ReadTimeout:       time.Duration(cfg.Service.HttpReadTimeout),
		ReadHeaderTimeout: time.Duration(cfg.Service.HttpReadHeaderTimeout),
		WriteTimeout:      time.Duration(cfg.Service.HttpWriteTimeout),
		IdleTimeout:       time.Duration(cfg.Service.HttpIdleTimeout),
		MaxHeaderBytes:    cfg.Service.HttpMaxHeaderBytes,
	}
}

func NewHTTPServerWithTLSContext(router http.Handler, log logrus.FieldLogger, address string, cfg *config.Config) *http.Server {
	server := NewHTTPServer(router, log, address, cfg)
	server.ConnContext = func(ctx context.Context, c net.Conn) context.Context {
		tc := c.(*tls.Conn)
		// We need to ensure TLS handshake is complete before
		// we try to get anything useful from the ConnectionState
		// tls delays handshake until the first Read of Write
		err := tc.HandshakeContext(ctx)
		if err != nil {
			remoteAddr := tc.RemoteAddr().String()
			log.Errorf("TLS handshake error from %s: %v", remoteAddr, err)
			log.Errorf("TLS ConnectionState: %#v", tc.ConnectionState())
			return ctx
		}

		cs := tc.ConnectionState()
		if len(cs.PeerCertificates) == 0 {
			log.Warningf("Warning no TLS Peer Certificates: %v", err)
			return ctx
		}
		peerCertificate := cs.PeerCertificates[0]
		ctx = context.WithValue(ctx, TLSCommonNameContextKey, peerCertificate.Subject.CommonName)
		ctx = context.WithValue(ctx, TLSPeerCertificateContextKey, peerCertificate)
		return ctx
	}
	return server
}

// PeerCertificateFromContext returns the verified client certificate
// stored by NewHTTPServerWithTLSContext's ConnContext, if any.
func PeerCertificateFromContext(ctx context.Context) (*x509.Certificate, bool) {
	cert, ok := ctx.Value(TLSPeerCertificateContextKey).(*x509.Certificate)
	return cert, ok
}

// NewTLSListener returns a new TLS listener. If the address is empty, it will
// listen on localhost's next available port.
func NewTLSListener(address string, tlsConfig *tls.Config) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, tlsConfig), nil
}

// RequireClientCert rejects any request whose connection did not carry a
// verified client certificate, for routes that need mTLS even though the
// outer listener accepts unauthenticated connections (e.g. enrollment).
func RequireClientCert(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PeerCertificateFromContext(r.Context()); !ok {
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
