package syncserver

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB connects to Postgres via gorm, grounded on
// chirino-memory-service's postgres store plugin (same
// gorm.Open(postgres.Open(dsn)) pairing), and auto-migrates the six
// tables this package owns.
func OpenDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("syncserver: connect postgres: %w", err)
	}

	if err := db.AutoMigrate(&User{}, &Device{}, &RefreshToken{}, &VaultItem{}, &SyncChange{}, &KeyEnvelope{}); err != nil {
		return nil, fmt.Errorf("syncserver: automigrate: %w", err)
	}
	return db, nil
}
