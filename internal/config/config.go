// Package config implements layered configuration loading (defaults,
// YAML file, environment) via viper, following the
// same Config/NewDefault/SecureString shape used throughout the rest
// of the stack.
package config

import (
	"encoding/json"
	"time"
)

// dbConfig holds Postgres connection parameters.
type dbConfig struct {
	Type              string       `mapstructure:"type" json:"type"`
	Hostname          string       `mapstructure:"hostname" json:"hostname"`
	Port              uint         `mapstructure:"port" json:"port"`
	Name              string       `mapstructure:"name" json:"name"`
	User              string       `mapstructure:"user" json:"user"`
	Password          SecureString `mapstructure:"password" json:"password"`
	MigrationUser     string       `mapstructure:"migrationUser" json:"migrationUser"`
	MigrationPassword SecureString `mapstructure:"migrationPassword" json:"migrationPassword"`
	SSLMode           string       `mapstructure:"sslmode" json:"sslmode"`
	SSLCert           string       `mapstructure:"sslcert" json:"sslcert"`
	SSLKey            string       `mapstructure:"sslkey" json:"sslkey"`
	SSLRootCert       string       `mapstructure:"sslrootcert" json:"sslrootcert"`
}

// kvConfig holds the Redis connection used for the nonce anti-replay cache.
type kvConfig struct {
	Hostname string       `mapstructure:"hostname" json:"hostname"`
	Port     uint         `mapstructure:"port" json:"port"`
	Password SecureString `mapstructure:"password" json:"password"`
	DB       int          `mapstructure:"db" json:"db"`
}

// registrarConfig holds AgentEnroller policy knobs.
type registrarConfig struct {
	// TPMIdentity selects which root-identity fields are required on
	// enroll: "default", "ek_cert_or_iak_idevid", "iak_idevid", "ek_cert".
	TPMIdentity string `mapstructure:"tpmIdentity" json:"tpmIdentity"`
	// VerifyEKCertChain gates EK certificate trust-store validation,
	// off by default.
	VerifyEKCertChain bool `mapstructure:"verifyEkCertChain" json:"verifyEkCertChain"`
	// TPMCertStore is the path to a directory of trusted manufacturer
	// CA certificates.
	TPMCertStore string `mapstructure:"tpmCertStore" json:"tpmCertStore"`
	HMACHashAlg  string `mapstructure:"hmacHashAlg" json:"hmacHashAlg"`
}

// verifierConfig holds AttestationCoordinator pacing knobs.
type verifierConfig struct {
	NonceLifetime       time.Duration `mapstructure:"nonceLifetime" json:"nonceLifetime"`
	QuoteInterval       time.Duration `mapstructure:"quoteInterval" json:"quoteInterval"`
	VerificationTimeout time.Duration `mapstructure:"verificationTimeout" json:"verificationTimeout"`
	IMAPCRIndex         int           `mapstructure:"imaPcrIndex" json:"imaPcrIndex"`
	AcceptedHashAlgs    []string      `mapstructure:"acceptedHashAlgs" json:"acceptedHashAlgs"`
	AcceptedEncAlgs     []string      `mapstructure:"acceptedEncAlgs" json:"acceptedEncAlgs"`
	AcceptedSignAlgs    []string      `mapstructure:"acceptedSignAlgs" json:"acceptedSignAlgs"`
	// JanitorSchedule is the robfig/cron schedule for the standalone
	// stale-attestation sweep.
	JanitorSchedule string `mapstructure:"janitorSchedule" json:"janitorSchedule"`
	// PolicyFile points at the JSON document describing the runtime
	// allowlist/trusted-keyring set plus the quote-time and
	// measured-boot PCR pins. Empty means no pins and an empty
	// allowlist (everything not previously learned is a violation).
	PolicyFile string `mapstructure:"policyFile" json:"policyFile"`
}

// serviceConfig holds HTTP listener and TLS parameters common to both services.
type serviceConfig struct {
	Address        string `mapstructure:"address" json:"address"`
	LogLevel       string `mapstructure:"logLevel" json:"logLevel"`
	CertStore      string `mapstructure:"certStore" json:"certStore"`
	ServerCertName string `mapstructure:"serverCertName" json:"serverCertName"`
	SrvCertFile    string `mapstructure:"srvCertFile" json:"srvCertFile"`
	SrvKeyFile     string `mapstructure:"srvKeyFile" json:"srvKeyFile"`
	CACertFile     string `mapstructure:"caCertFile" json:"caCertFile"`
	RequireMTLS    bool   `mapstructure:"requireMtls" json:"requireMtls"`

	HttpReadTimeout       time.Duration `mapstructure:"httpReadTimeout" json:"httpReadTimeout"`
	HttpReadHeaderTimeout time.Duration `mapstructure:"httpReadHeaderTimeout" json:"httpReadHeaderTimeout"`
	HttpWriteTimeout      time.Duration `mapstructure:"httpWriteTimeout" json:"httpWriteTimeout"`
	HttpIdleTimeout       time.Duration `mapstructure:"httpIdleTimeout" json:"httpIdleTimeout"`
	HttpMaxHeaderBytes    int           `mapstructure:"httpMaxHeaderBytes" json:"httpMaxHeaderBytes"`
	HttpMaxRequestSize    int64         `mapstructure:"httpMaxRequestSize" json:"httpMaxRequestSize"`
	HttpMaxUrlLength      int           `mapstructure:"httpMaxUrlLength" json:"httpMaxUrlLength"`
	HttpMaxNumHeaders     int           `mapstructure:"httpMaxNumHeaders" json:"httpMaxNumHeaders"`
}

// RateLimitConfig configures the per-IP HTTP rate limiters: a general
// scope (Requests/Window) on every route, and a tighter auth scope
// (AuthRequests/AuthWindow) on enroll/activate and on negotiate, where
// it is a backstop in front of the pacing logic in internal/verifier.
type RateLimitConfig struct {
	Enabled        bool          `mapstructure:"enabled" json:"enabled"`
	Requests       int           `mapstructure:"requests" json:"requests"`
	Window         time.Duration `mapstructure:"window" json:"window"`
	AuthRequests   int           `mapstructure:"authRequests" json:"authRequests"`
	AuthWindow     time.Duration `mapstructure:"authWindow" json:"authWindow"`
	TrustedProxies []string      `mapstructure:"trustedProxies" json:"trustedProxies"`
}

// Config is the root configuration object for both attestctl-registrar
// and attestctl-verifier; each binary only reads the sub-configs it
// needs.
type Config struct {
	Service   *serviceConfig   `mapstructure:"service" json:"service"`
	Database  *dbConfig        `mapstructure:"database" json:"database"`
	KV        *kvConfig        `mapstructure:"kv" json:"kv"`
	Registrar *registrarConfig `mapstructure:"registrar" json:"registrar"`
	Verifier  *verifierConfig  `mapstructure:"verifier" json:"verifier"`
	RateLimit *RateLimitConfig `mapstructure:"rateLimit" json:"rateLimit"`
}

// NewDefault returns a Config populated with sane local-development
// defaults; Load layers an optional config file and environment
// variables on top of this via viper.
func NewDefault() *Config {
	return &Config{
		Service: &serviceConfig{
			Address:        ":8443",
			LogLevel:       "info",
			CertStore:      "/etc/attestctl/certs",
			ServerCertName: "server",
			RequireMTLS:    false,

			HttpReadTimeout:       5 * time.Second,
			HttpReadHeaderTimeout: 5 * time.Second,
			HttpWriteTimeout:      30 * time.Second,
			HttpIdleTimeout:       120 * time.Second,
			HttpMaxHeaderBytes:    1 << 20,
			HttpMaxRequestSize:    1 << 20,
			HttpMaxUrlLength:      2048,
			HttpMaxNumHeaders:     64,
		},
		Database: &dbConfig{
			Type:     "pgsql",
			Hostname: "localhost",
			Port:     5432,
			Name:     "attestctl",
			User:     "attestctl",
			SSLMode:  "",
		},
		KV: &kvConfig{
			Hostname: "localhost",
			Port:     6379,
		},
		Registrar: &registrarConfig{
			TPMIdentity:       "default",
			VerifyEKCertChain: false,
			HMACHashAlg:       "sha384",
		},
		Verifier: &verifierConfig{
			NonceLifetime:       5 * time.Minute,
			QuoteInterval:       30 * time.Second,
			VerificationTimeout: 30 * time.Second,
			IMAPCRIndex:         10,
			AcceptedHashAlgs:    []string{"sha256", "sha1"},
			AcceptedEncAlgs:     []string{"aes"},
			AcceptedSignAlgs:    []string{"rsassa", "ecdsa"},
			JanitorSchedule:     "@every 1m",
		},
		RateLimit: &RateLimitConfig{
			Enabled:      true,
			Requests:     300,
			Window:       time.Minute,
			AuthRequests: 20,
			AuthWindow:   time.Hour,
		},
	}
}

// String renders the config as indented JSON with every SecureString
// field redacted, safe to write to logs at startup.
func (c *Config) String() string {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<config marshal error: " + err.Error() + ">"
	}
	return string(b)
}
