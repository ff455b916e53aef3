// Command verify-suppression answers one question from the shell: would this
// address be mailed? It checks the optional base list file and the stored
// suppression rows the same way the sender pool does.
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
	"github.com/ignite/pmta-blast/internal/suppression"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: verify-suppression <email> [email ...]")
		os.Exit(2)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var base *suppression.List
	if path := os.Getenv("SUPPRESSION_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Fatalf("suppression file: %v", err)
		}
		base, err = suppression.LoadList(f)
		f.Close()
		if err != nil {
			log.Fatalf("suppression file: %v", err)
		}
		fmt.Printf("base list: %d entries\n", base.Len())
	}

	set := suppression.NewSet(base)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()
	rows, err := db.LoadSuppressions(ctx)
	if err != nil {
		log.Fatalf("load suppressions: %v", err)
	}
	set.AddAll(rows)
	fmt.Printf("stored rows: %d\n", len(rows))

	blocked := 0
	for _, email := range os.Args[1:] {
		if set.Suppressed(email) {
			fmt.Printf("%-40s SUPPRESSED\n", email)
			blocked++
		} else {
			fmt.Printf("%-40s ok\n", email)
		}
	}
	if blocked > 0 {
		os.Exit(1)
	}
}
