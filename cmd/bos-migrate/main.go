package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"

	boslog "github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/bos", "BOS data directory")
	dryRun     = flag.Bool("dry-run", false, "Inspect the store without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/bos.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("BOS Store Migration Tool")
	log.Println("========================")

	boslog.Init(boslog.Config{Level: boslog.InfoLevel, JSONOutput: false, Output: os.Stderr})

	dbPath := filepath.Join(*dataDir, "bos.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if *dryRun {
		inspect(dbPath)
		return
	}

	// Create backup before touching anything.
	backupFile := *backupPath
	if backupFile == "" {
		backupFile = dbPath + ".backup"
	}
	log.Printf("Creating backup: %s", backupFile)
	if err := copyFile(dbPath, backupFile); err != nil {
		log.Fatalf("Failed to create backup: %v", err)
	}
	log.Println("✓ Backup created successfully")

	store, err := storage.NewBoltStore(*dataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	if err := storage.Migrate(context.Background(), store); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("")
	log.Printf("✓ Store is at schema version %d", storage.SchemaVersion)
	log.Printf("Backup retained at %s; delete it after verifying the migration.", backupFile)
}

// inspect reports record counts per kind without writing anything.
func inspect(dbPath string) {
	store, err := storage.NewBoltStore(filepath.Dir(dbPath))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	log.Println("\n[DRY RUN] Store contents:")
	for _, kind := range storage.Kinds() {
		keys, err := store.ListKeys(ctx, kind, "")
		if err != nil {
			log.Fatalf("Failed to list %s: %v", kind, err)
		}
		log.Printf("  %-18s %d records", kind, len(keys))
	}
	log.Printf("\nRun without --dry-run to migrate to schema version %d.", storage.SchemaVersion)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

