package db

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database variables
var (
	Db   *gorm.DB                                               // GORM database instance
	Path = filepath.Join(os.Getenv("HOME"), ".trackr/trackr.db") // Default database path
)

// InitDB initializes the database and creates the tables if they don't exist.
// It returns an error if any step in the initialization process fails.
func InitDB() error {
	if err := createDBDirectory(); err != nil {
		return err
	}

	conn, err := Open(Path)
	if err != nil {
		return err
	}
	Db = conn

	log.Info().Str("path", Path).Msg("Database initialized successfully")
	return nil
}

// Open opens the SQLite database at path, migrates the schema and configures
// the GORM logger. Use ":memory:" for a throwaway database.
func Open(path string) (*gorm.DB, error) {
	conn, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger()})
	if err != nil {
		log.Error().Err(err).Msg("Failed to open database")
		return nil, err
	}

	// Every pooled connection to ":memory:" would see its own empty database.
	if path == ":memory:" {
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := conn.AutoMigrate(&Credential{}); err != nil {
		log.Error().Err(err).Msg("Failed to auto-migrate database")
		return nil, err
	}
	return conn, nil
}

// GetDB returns the global database handle set by InitDB.
func GetDB() *gorm.DB {
	return Db
}

// createDBDirectory checks if the database path exists and creates it if it doesn't.
func createDBDirectory() error {
	dir := filepath.Dir(Path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			log.Error().Err(err).Msg("Failed to create database directory")
			return err
		}
	}
	return nil
}

// gormLogger silences GORM unless zerolog is at debug level.
func gormLogger() logger.Interface {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		return logger.Default.LogMode(logger.Info)
	}
	return logger.Default.LogMode(logger.Silent)
}

// CloseDB closes the database connection.
// It returns an error if the database connection fails to close.
func CloseDB() error {
	if Db == nil {
		return nil
	}
	sqlDB, err := Db.DB()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get raw database connection")
		return err
	}
	Db = nil
	return sqlDB.Close()
}
