package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"carbonrecycling-backend/internal/logger"
)

func main() {
	logger.Init("migrate", os.Getenv("LOG_LEVEL"))
	log := logger.Logger
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer pool.Close()

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list migrations")
	}
	if len(files) == 0 {
		log.Fatal().Str("dir", dir).Msg("no migrations found")
	}
	sort.Strings(files)
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatal().Str("file", file).Err(err).Msg("failed to read migration")
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			log.Fatal().Str("file", file).Err(err).Msg("failed to apply migration")
		}
		log.Info().Str("file", file).Msg("applied migration")
	}
}
