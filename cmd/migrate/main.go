// Command migrate creates the control-plane schema and reports what exists.
// The server migrates on boot too; this exists for provisioning a database
// before first start and for CI.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ignite/pmta-blast/internal/config"
	"github.com/ignite/pmta-blast/internal/store"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open %s: %v", cfg.Database.Driver, err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	for _, table := range []string{"campaigns", "campaign_forms", "jobs", "outcomes", "registry", "bridge_offsets", "suppressions", "app_config"} {
		var n int
		row := db.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table)
		if err := row.Scan(&n); err != nil {
			log.Fatalf("verify %s: %v", table, err)
		}
		fmt.Printf("%-16s %d rows\n", table, n)
	}
	fmt.Printf("schema ready (%s)\n", cfg.Database.Driver)
}
