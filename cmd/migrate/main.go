// Package main is the schema-migration tool for the rule store database.
// Configuration comes from MIGRATION_* / BACKUP_* / HEALTH_* environment
// variables; see internal/migrations.
package main

import (
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/gameops/fleetctl/internal/migrations"
)

func main() {
	migrationConfig, err := migrations.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load migration config: %v", err)
	}

	backupConfig, err := migrations.LoadBackupConfig()
	if err != nil {
		log.Fatalf("Failed to load backup config: %v", err)
	}

	healthConfig, err := migrations.LoadHealthConfig()
	if err != nil {
		log.Fatalf("Failed to load health config: %v", err)
	}

	manager, err := migrations.NewMigrationManager(migrationConfig)
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}

	backupManager := migrations.NewBackupManager(backupConfig, nil, migrationConfig.Logger)
	healthChecker := migrations.NewHealthChecker(nil, healthConfig, migrationConfig.Logger)

	cli := migrations.NewCLI(manager, backupManager, healthChecker, migrationConfig.Logger)

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
