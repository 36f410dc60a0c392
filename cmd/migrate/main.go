package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
)

func main() {
	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	dbCfg := config.DatabaseConfig{URL: os.Getenv("DATABASE_URL")}
	if dbCfg.URL == "" {
		path := os.Getenv("CONFIG_PATH")
		if path == "" {
			path = "config/config.yaml"
		}
		cfg, err := config.LoadFromEnv(path)
		if err != nil {
			log.Fatalf("DATABASE_URL not set and config unreadable: %v", err)
		}
		dbCfg = cfg.Database
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if listOnly {
		names, err := postgres.AppliedMigrations(ctx, db)
		if err != nil {
			log.Fatal(err)
		}
		for _, n := range names {
			fmt.Println(" ", n)
		}
		fmt.Printf("Total: %d applied\n", len(names))
		return
	}

	applied, err := postgres.Migrate(ctx, db, os.DirFS(dir))
	if err != nil {
		log.Fatalf("Migration failed after %d applied: %v", len(applied), err)
	}
	log.Printf("Migrations complete (%d applied)", len(applied))
}
