package main

import (
	"flag"
	"log"

	"github.com/mahaj/support-chat/pkg/config"
	"github.com/mahaj/support-chat/pkg/db"
)

func main() {
	drop := flag.Bool("drop", false, "drop the tables instead of creating them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, _, err := cfg.Logger()
	if err != nil {
		log.Fatal(err)
	}

	if err := db.EnsureKeyspace(cfg.ScyllaHosts, cfg.ScyllaKeyspace, logger); err != nil {
		log.Fatalf("Failed to create keyspace: %v", err)
	}
	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, logger)
	if err != nil {
		log.Fatalf("Failed to connect to ScyllaDB: %v", err)
	}
	defer session.Close()

	if *drop {
		log.Println("Dropping tables...")
		if err := db.Drop(session); err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
		log.Println("Tables dropped successfully.")
		return
	}

	if err := db.Migrate(session); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	log.Printf("Keyspace %s is up to date", cfg.ScyllaKeyspace)
}
