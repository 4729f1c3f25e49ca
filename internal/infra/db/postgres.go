package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/egv/ezra/internal/adapters/repo"
	"github.com/egv/ezra/internal/domain"
)

// Connect создаёт пул подключений к Postgres.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 5
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// OpenStore открывает хранилище выбранного драйвера и применяет миграции.
func OpenStore(ctx context.Context, driver, sqlitePath, pgDSN string) (domain.Store, error) {
	switch driver {
	case "sqlite":
		store, err := repo.OpenSQLite(sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("открытие SQLite %s: %w", sqlitePath, err)
		}
		return store, nil
	case "postgres":
		pool, err := Connect(ctx, pgDSN)
		if err != nil {
			return nil, fmt.Errorf("подключение к Postgres: %w", err)
		}
		store := repo.NewPostgres(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("миграции Postgres: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: неизвестный STORAGE_DRIVER %q", domain.ErrConfiguration, driver)
	}
}
