package config

import (
	"strings"
	"testing"
)

func TestConfig_String_ObfuscatesSensitiveData(t *testing.T) {
	cfg := NewDefault()
	cfg.Database.Hostname = "localhost"
	cfg.Database.User = "testuser"
	cfg.Database.Password = SecureString("secretpassword")
	cfg.Database.MigrationPassword = SecureString("migrationsecret")
	cfg.KV.Password = SecureString("redispassword")

	result := cfg.String()

	if strings.Contains(result, "secretpassword") {
		t.Error("Database password should be redacted")
	}
	if strings.Contains(result, "migrationsecret") {
		t.Error("Migration password should be redacted")
	}
	if strings.Contains(result, "redispassword") {
		t.Error("KV password should be redacted")
	}
	if !strings.Contains(result, "[REDACTED]") {
		t.Error("String() should contain [REDACTED] markers")
	}
	if !strings.Contains(result, "localhost") {
		t.Error("Non-sensitive hostname should be preserved")
	}
	if !strings.Contains(result, "testuser") {
		t.Error("Non-sensitive username should be preserved")
	}
}

func TestConfig_String_DoesNotMutateOriginal(t *testing.T) {
	cfg := NewDefault()
	cfg.Database.Password = SecureString("original-secret")

	_ = cfg.String()
	_ = cfg.String()

	if cfg.Database.Password != SecureString("original-secret") {
		t.Errorf("Original password should not be mutated, got: %s", cfg.Database.Password)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := NewDefault()
	if cfg.Verifier.NonceLifetime <= 0 {
		t.Error("default nonce lifetime should be positive")
	}
	if cfg.Registrar.VerifyEKCertChain {
		t.Error("EK cert chain validation should default to off, per Open Question (c)")
	}
}
