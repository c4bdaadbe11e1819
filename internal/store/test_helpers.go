package store

import (
	"fmt"
	"sync/atomic"

	"github.com/flightctl/attestctl/internal/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var testDBCounter uint32

// PrepareDBForUnitTests opens a fresh throwaway database (created from
// the configured admin connection, named uniquely per call) and runs
// the initial migration against it. Tests call DeleteTestDB in an
// AfterEach to drop it again.
func PrepareDBForUnitTests(log *logrus.Logger) (Store, *config.Config, string) {
	cfg := config.NewDefault()
	n := atomic.AddUint32(&testDBCounter, 1)
	dbName := fmt.Sprintf("attestctl_test_%s", randomDBSuffix(n))

	adminDSN := createDSN(cfg, cfg.Database.User, cfg.Database.Password)
	adminDB, err := gorm.Open(postgres.Open(adminDSN), &gorm.Config{})
	if err != nil {
		log.WithError(err).Fatal("failed to open admin DB connection for test setup")
	}
	if err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName)).Error; err != nil {
		log.WithError(err).Fatal("failed to create test database")
	}

	cfg.Database.Name = dbName
	db, err := InitDB(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to test database")
	}
	if err := InitialMigration(db); err != nil {
		log.WithError(err).Fatal("failed to migrate test database")
	}

	return NewStore(db, log), cfg, dbName
}

// DeleteTestDB drops the database created by PrepareDBForUnitTests.
func DeleteTestDB(cfg *config.Config, store Store, dbName string) {
	_ = store.Close()

	adminCfg := *cfg
	adminCfg.Database.Name = "postgres"
	adminDSN := createDSN(&adminCfg, adminCfg.Database.User, adminCfg.Database.Password)
	adminDB, err := gorm.Open(postgres.Open(adminDSN), &gorm.Config{})
	if err != nil {
		return
	}
	_ = adminDB.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s", dbName)).Error
}
