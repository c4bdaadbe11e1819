package store

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ListParams controls pagination/filtering for List operations,
// following the same Limit/Continue shape used throughout the stack.
type ListParams struct {
	Limit    int
	Continue *Continue
}

// Continue is an opaque pagination cursor: the name to resume after.
type Continue struct {
	Name string
}

// ParseContinueString decodes a continue token previously produced by
// Continue.String.
func ParseContinueString(token *string) (*Continue, error) {
	if token == nil || *token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(*token)
	if err != nil {
		return nil, fmt.Errorf("invalid continue token: %w", err)
	}
	return &Continue{Name: string(raw)}, nil
}

func (c *Continue) String() string {
	if c == nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(c.Name))
}

// Store is the top-level persistence handle shared by both services.
// Each service only touches the sub-store(s) it needs: the Registrar
// uses Agents(), the Verifier uses both.
type Store interface {
	Agents() AgentStore
	Attestations() AttestationStore
	Close() error
}

type dataStore struct {
	db  *gorm.DB
	log *logrus.Logger
}

// NewStore wraps an already-open *gorm.DB.
func NewStore(db *gorm.DB, log *logrus.Logger) Store {
	return &dataStore{db: db, log: log}
}

func (s *dataStore) Agents() AgentStore             { return &agentStore{db: s.db} }
func (s *dataStore) Attestations() AttestationStore { return &attestationStore{db: s.db} }

func (s *dataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ErrNotFound is returned by Get when no row matches; store callers
// translate this into api.StatusNotFound at the HTTP boundary.
var ErrNotFound = gorm.ErrRecordNotFound

// randomDBSuffix derives a short deterministic-looking suffix for
// throwaway per-test databases from a counter, avoiding a dependency
// on math/rand/crypto/rand seeding concerns in test setup.
func randomDBSuffix(n uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], n)
	return base64.RawURLEncoding.EncodeToString(buf[:])
}
