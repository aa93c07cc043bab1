package cache

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and ensures the record schema
// exists. The schema carries no migration machinery: an incompatible schema
// version means a fresh database is created under a new path.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&FetchRecord{}, &NoteRecord{}, &UserRecord{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("note cache database initialized", zap.String("path", path))
	}

	return db, nil
}
