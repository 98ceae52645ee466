package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-monitor/common/config"

	_ "github.com/lib/pq"
)

// connMaxLifetime 连接最长复用时间
const connMaxLifetime = 30 * time.Minute

// Open 打开 PostgreSQL 连接池并在 ctx 内完成 PING
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s@%s: %w", cfg.Database, cfg.Host, err)
	}
	return db, nil
}
