// Command seed loads a campaign roster CSV into the Postgres store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/questforge/encounter-server/internal/config"
	"github.com/questforge/encounter-server/internal/repository"
	"github.com/questforge/encounter-server/internal/seed"
	"go.uber.org/zap"
)

var configPath = flag.String("config", "config/config.yaml", "path to configuration file")

func main() {
	flag.Parse()
	ctx := context.Background()

	rosterPath := "data/roster.csv"
	if flag.NArg() > 0 {
		rosterPath = flag.Arg(0)
	}
	absPath, err := filepath.Abs(rosterPath)
	if err != nil {
		log.Fatalf("Failed to get absolute path: %v", err)
	}

	fmt.Println("=== Encounter Roster Import ===")
	fmt.Printf("Roster file: %s\n", absPath)

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		log.Fatalf("Roster file not found: %s", absPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	roster, err := seed.Load(absPath)
	if err != nil {
		log.Fatalf("Failed to parse roster: %v", err)
	}
	fmt.Printf("Parsed %d campaigns, %d encounters, %d combatants\n",
		len(roster.Campaigns), len(roster.Encounters), len(roster.Entries))

	fmt.Println("Connecting to database...")
	db, err := repository.NewDB(ctx, cfg.Database, zap.NewNop())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("✓ Database connection established")

	start := time.Now()
	if err := roster.ApplyPostgres(ctx, repository.NewStore(db)); err != nil {
		log.Fatalf("Import failed: %v", err)
	}

	fmt.Println("\n=== Import Complete ===")
	fmt.Printf("✓ Imported %d combatants\n", len(roster.Entries))
	fmt.Printf("Time taken: %s\n", time.Since(start))
}
