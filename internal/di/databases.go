package di

import (
	"fmt"

	"github.com/aristath/qtrainer/internal/config"
	"github.com/aristath/qtrainer/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens and migrates the state database
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{Path: cfg.DatabasePath()}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}

	return &Container{StateDB: db}, nil
}
