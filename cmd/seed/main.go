// Command seed fills the contacts table with fake patients and professionals
// and prints a PROFESSIONAL_STUB value for the seeded professionals.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/clinicflow/internal/config"
	"github.com/clinicflow/clinicflow/internal/db"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	patients := flag.Int("patients", 500, "number of patients to create")
	professionals := flag.Int("professionals", 20, "number of professionals to create")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	stub, err := seedContacts(ctx, pool, "professional", *professionals, func() string { return "Dr. " + gofakeit.Name() })
	if err != nil {
		return fmt.Errorf("seed professionals: %w", err)
	}
	logger.Info("professionals seeded", "count", *professionals)

	if _, err := seedContacts(ctx, pool, "patient", *patients, gofakeit.Name); err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}
	logger.Info("patients seeded", "count", *patients)

	fmt.Printf("PROFESSIONAL_STUB=%s\n", strings.Join(stub, ","))
	return nil
}

// seedContacts upserts count contacts with ids prefix-1..prefix-count in
// batches and returns "id=Name" entries.
func seedContacts(ctx context.Context, pool *pgxpool.Pool, prefix string, count int, name func() string) ([]string, error) {
	const batchSize = 500

	entries := make([]string, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		for i := offset; i < end; i++ {
			id := fmt.Sprintf("%s-%d", prefix, i+1)
			n := name()
			_, err := tx.Exec(ctx, `
				INSERT INTO contacts (user_id, name, email)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
			`, id, n, gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			entries = append(entries, id+"="+n)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
	}
	return entries, nil
}
