package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/grapevinehq/grapevine/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/grapevine", "Grapevine data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/grapevine.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Grapevine Database Migration Tool")
	log.Println("=================================")

	dbPath := filepath.Join(*dataDir, "grapevine.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if *dryRun {
		from, err := storage.SchemaVersionAt(dbPath)
		if err != nil {
			log.Fatalf("Failed to read schema version: %v", err)
		}
		if from == storage.SchemaVersion {
			log.Printf("Schema version %d is current. Nothing to do.", from)
			return
		}
		if from > storage.SchemaVersion {
			log.Fatalf("Database schema %d is newer than this binary (%d). Upgrade grapevine instead.",
				from, storage.SchemaVersion)
		}
		log.Printf("Would migrate schema %d -> %d.", from, storage.SchemaVersion)
		log.Println("Run without --dry-run to perform the migration.")
		return
	}

	backupFile := *backupPath
	if backupFile == "" {
		backupFile = dbPath + ".backup"
	}
	log.Printf("Creating backup: %s", backupFile)
	if err := copyFile(dbPath, backupFile); err != nil {
		log.Fatalf("Failed to create backup: %v", err)
	}
	log.Println("Backup created successfully")

	from, to, err := storage.Migrate(dbPath)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if from == to {
		log.Printf("Schema version %d is current. Nothing to do.", from)
		return
	}
	log.Printf("Migrated schema %d -> %d.", from, to)
	log.Printf("Backup preserved at %s for rollback.", backupFile)
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
