package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/quarry", "Quarry data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/quarry.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Quarry Database Migration Tool - Attachment Keys")
	log.Println("================================================")

	dbPath := filepath.Join(*dataDir, "quarry.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := migrateAttachmentKeys(db, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
	}
}

// migrateAttachmentKeys rewrites attachment records stored under a bare
// volume ID to the composite volume@node key. Early releases keyed the
// attachments bucket by volume only, which made a second node silently
// overwrite the first node's record.
func migrateAttachmentKeys(db *bolt.DB, dryRun bool) error {
	type legacyKey struct {
		old string
		new string
		val []byte
	}
	var pending []legacyKey

	// First, inspect what exists
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("attachments"))
		if bucket == nil {
			log.Println("✓ No 'attachments' bucket found - nothing to migrate")
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			if strings.Contains(string(k), "@") {
				return nil // already composite
			}

			var record struct {
				VolumeID string `json:"volume_id"`
				NodeID   string `json:"node_id"`
			}
			if err := json.Unmarshal(v, &record); err != nil {
				log.Printf("⚠ Warning: Skipping invalid JSON for key %s: %v", k, err)
				return nil
			}
			if record.VolumeID == "" || record.NodeID == "" {
				log.Printf("⚠ Warning: Skipping key %s without volume/node fields", k)
				return nil
			}

			val := make([]byte, len(v))
			copy(val, v)
			pending = append(pending, legacyKey{
				old: string(k),
				new: record.VolumeID + "@" + record.NodeID,
				val: val,
			})
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Printf("Found %d legacy attachment keys to migrate", len(pending))
	if len(pending) == 0 {
		log.Println("✓ Database is already using composite attachment keys")
		return nil
	}

	if dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		for _, p := range pending {
			log.Printf("  %s -> %s", p.old, p.new)
		}
		return nil
	}

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("attachments"))
		if bucket == nil {
			return nil
		}

		log.Println("\nRewriting attachment keys...")
		var migrated int
		for _, p := range pending {
			// Patch the embedded ID so reads after the migration agree
			// with the new key.
			var record map[string]interface{}
			if err := json.Unmarshal(p.val, &record); err != nil {
				return fmt.Errorf("failed to decode attachment %s: %w", p.old, err)
			}
			record["id"] = p.new
			out, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("failed to encode attachment %s: %w", p.new, err)
			}

			if err := bucket.Put([]byte(p.new), out); err != nil {
				return fmt.Errorf("failed to write attachment %s: %w", p.new, err)
			}
			if err := bucket.Delete([]byte(p.old)); err != nil {
				return fmt.Errorf("failed to delete legacy key %s: %w", p.old, err)
			}

			migrated++
			if migrated%10 == 0 {
				log.Printf("  Migrated %d/%d...", migrated, len(pending))
			}
		}

		log.Printf("✓ Migrated %d/%d attachment records", migrated, len(pending))
		return nil
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
