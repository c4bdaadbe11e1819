package store

import (
	"fmt"
	"time"

	"github.com/flightctl/attestctl/internal/config"
	"github.com/flightctl/attestctl/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// createDSN builds a libpq-style Postgres DSN from the config, adding
// optional fields only when set. Order matters for the existing tests
// which assert on the exact rendered string.
func createDSN(cfg *config.Config, user string, password config.SecureString) string {
	dsn := fmt.Sprintf("host=%s user=%s password=%s port=%d",
		cfg.Database.Hostname, user, password.Value(), cfg.Database.Port)

	if cfg.Database.Name != "" {
		dsn += " dbname=" + cfg.Database.Name
	}
	if cfg.Database.SSLMode != "" {
		dsn += " sslmode=" + cfg.Database.SSLMode
	}
	if cfg.Database.SSLCert != "" {
		dsn += " sslcert=" + cfg.Database.SSLCert
	}
	if cfg.Database.SSLKey != "" {
		dsn += " sslkey=" + cfg.Database.SSLKey
	}
	if cfg.Database.SSLRootCert != "" {
		dsn += " sslrootcert=" + cfg.Database.SSLRootCert
	}
	return dsn
}

// InitDB opens the Postgres connection described by cfg using the
// service's regular (non-migration) credentials.
func InitDB(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	dsn := createDSN(cfg, cfg.Database.User, cfg.Database.Password)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(gormLogAdapter{log: log}, gormlogger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      gormlogger.Warn,
		}),
	})
}

// InitialMigration creates the registrar_agents / push_attestations
// tables. The (agent_id, index) composite primary key on
// PushAttestation backs the optimistic-insert concurrency strategy: a
// duplicate insert violates the PK and the caller retries with the
// next index.
func InitialMigration(db *gorm.DB) error {
	return db.AutoMigrate(&model.RegistrarAgent{}, &model.PushAttestation{})
}

type gormLogAdapter struct {
	log *logrus.Logger
}

func (a gormLogAdapter) Printf(format string, args ...interface{}) {
	a.log.Debugf(format, args...)
}
