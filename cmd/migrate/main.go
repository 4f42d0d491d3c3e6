package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"

	"github.com/fixora/sagacore/internal/adapter/persistence/postgres"
	"github.com/fixora/sagacore/internal/config"
)

func main() {
	mode := flag.String("mode", "up", "migration mode: up, down or version")
	steps := flag.Int("steps", 0, "number of migrations to apply (0 means all)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := postgres.Open(context.Background(), cfg.GetDatabaseURL(), postgres.PoolConfig{
		ConnectTimeout: cfg.Database.ConnectTimeout,
	})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	m, err := postgres.NewMigrator(db, cfg.Database.DBName)
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}

	switch *mode {
	case "up":
		err = run(m.Up, m.Steps, *steps)
	case "down":
		err = run(m.Down, m.Steps, -*steps)
	case "version":
	default:
		log.Fatalf("unknown mode %q, expected up, down or version", *mode)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migration %s failed: %v", *mode, err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("no migrations applied")
	case err != nil:
		log.Fatalf("failed to read version: %v", err)
	default:
		fmt.Printf("schema version %d (dirty=%v)\n", version, dirty)
	}
}

// run applies all migrations in one direction, or n steps when n is non-zero.
func run(all func() error, step func(int) error, n int) error {
	if n == 0 {
		return all()
	}
	return step(n)
}
