package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/database"
)

// Open builds the Message Store selected by cfg.Driver and prepares its
// schema.
func Open(ctx context.Context, cfg config.StoreConfig) (MessageRepository, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryMessageRepository(), nil

	case "sqlite", "postgres", "mysql":
		if cfg.Driver == "sqlite" {
			if err := os.MkdirAll(filepath.Dir(cfg.Database.FilePath), 0755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}

		db, err := database.New(&database.Config{
			Driver:          cfg.Driver,
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			DBName:          cfg.Database.DBName,
			SSLMode:         cfg.Database.SSLMode,
			FilePath:        cfg.Database.FilePath,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			LogLevel:        cfg.Database.LogLevel,
		})
		if err != nil {
			return nil, err
		}
		if err := database.AutoMigrate(db, &domain.MessageModel{}, &domain.MessageReadModel{}); err != nil {
			database.Close(db)
			return nil, fmt.Errorf("failed to migrate message tables: %w", err)
		}
		return NewGormMessageRepository(db), nil

	case "cassandra":
		session, err := NewCassandraSession(cfg.Cassandra)
		if err != nil {
			return nil, err
		}
		repo := NewCassandraMessageRepository(session)
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
