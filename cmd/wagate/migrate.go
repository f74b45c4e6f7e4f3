package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sipeed/wagate/pkg/config"
	"github.com/sipeed/wagate/pkg/storage"
)

// migrationEnds picks source and destination for migrate. A database
// backend pulls from the JSON files; a file backend exports the sqlite
// database that sits next to them.
func migrationEnds(cfg *config.Config) (source, dest storage.Config) {
	file := storage.DefaultConfig("file")
	file.FilePath = cfg.Storage.FilePath

	db := storage.DefaultConfig(cfg.Storage.Type)
	db.FilePath = cfg.Storage.FilePath
	db.DatabaseURL = cfg.Storage.DatabaseURL
	db.SSLEnabled = cfg.Storage.SSLEnabled

	switch cfg.Storage.Type {
	case "postgres", "sqlite":
		return file, db
	default:
		db.Type = "sqlite"
		return db, file
	}
}

// migrateDataCommand copies outbox and device records between backends.
func migrateDataCommand() {
	fmt.Println("wagate data migration")
	fmt.Println("=====================")
	fmt.Println()

	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Storage.Type == "none" {
		fmt.Println("Storage is disabled (storage.type = none), nothing to migrate")
		return
	}

	sourceConfig, destConfig := migrationEnds(cfg)
	fmt.Printf("Source: %s\n", sourceConfig.Type)
	fmt.Printf("Destination: %s\n", destConfig.Type)
	fmt.Println()

	fmt.Print("This will copy all outbox and device records. Continue? (yes/no): ")
	var confirm string
	fmt.Scanln(&confirm)
	if confirm != "yes" {
		fmt.Println("Migration cancelled")
		return
	}

	ctx := context.Background()

	fmt.Printf("Connecting to source (%s)...\n", sourceConfig.Type)
	sourceStore, err := connect(ctx, sourceConfig)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer sourceStore.Close()

	fmt.Printf("Connecting to destination (%s)...\n", destConfig.Type)
	destStore, err := connect(ctx, destConfig)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer destStore.Close()

	fmt.Println()
	fmt.Println("Migrating outbox...")
	n, err := migrateOutbox(ctx, sourceStore, destStore)
	if err != nil {
		fmt.Printf("Error migrating outbox: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   Migrated %d deliveries\n", n)

	fmt.Println("Migrating devices...")
	n, err = migrateDevices(ctx, sourceStore, destStore)
	if err != nil {
		fmt.Printf("Error migrating devices: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   Migrated %d devices\n", n)

	fmt.Println()
	fmt.Println("Migration completed")
	fmt.Printf("Set storage.type to '%s' and restart wagate to use it\n", destConfig.Type)
}

func connect(ctx context.Context, cfg storage.Config) (storage.Storage, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s storage: %w", cfg.Type, err)
	}
	if err := store.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s storage: %w", cfg.Type, err)
	}
	return store, nil
}

func migrateOutbox(ctx context.Context, source, dest storage.Storage) (int, error) {
	deliveries, err := source.Outbox().List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list deliveries: %w", err)
	}
	for _, d := range deliveries {
		if err := dest.Outbox().Save(ctx, d); err != nil {
			return 0, fmt.Errorf("save delivery %s: %w", d.ID, err)
		}
	}
	return len(deliveries), nil
}

func migrateDevices(ctx context.Context, source, dest storage.Storage) (int, error) {
	states, err := source.Devices().List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list devices: %w", err)
	}
	for _, st := range states {
		if err := dest.Devices().Save(ctx, st); err != nil {
			return 0, fmt.Errorf("save device %s: %w", st.Tenant, err)
		}
	}
	return len(states), nil
}

// exportDataCommand writes the configured storage to JSON files.
func exportDataCommand(outputDir string) {
	fmt.Println("wagate data export")
	fmt.Println("==================")
	fmt.Println()

	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Storage.Type == "none" {
		fmt.Println("Storage is disabled (storage.type = none), nothing to export")
		return
	}

	storeCfg := storage.DefaultConfig(cfg.Storage.Type)
	storeCfg.FilePath = cfg.Storage.FilePath
	storeCfg.DatabaseURL = cfg.Storage.DatabaseURL
	storeCfg.SSLEnabled = cfg.Storage.SSLEnabled

	fmt.Printf("Storage type: %s\n", cfg.Storage.Type)
	fmt.Printf("Output directory: %s\n", outputDir)
	fmt.Println()

	ctx := context.Background()
	store, err := connect(ctx, storeCfg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := exportData(ctx, store, outputDir); err != nil {
		fmt.Printf("Error exporting: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Export completed to: %s\n", outputDir)
}

// exportData writes outbox.json and one devices/<tenant>.json per device.
func exportData(ctx context.Context, store storage.Storage, outputDir string) error {
	deviceDir := filepath.Join(outputDir, "devices")
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return err
	}

	deliveries, err := store.Outbox().List(ctx)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(outputDir, "outbox.json"), deliveries); err != nil {
		return err
	}
	fmt.Printf("   Exported %d deliveries\n", len(deliveries))

	states, err := store.Devices().List(ctx)
	if err != nil {
		return err
	}
	for _, st := range states {
		name := filepath.Join(deviceDir, sanitizeFilename(st.Tenant)+".json")
		if err := writeJSON(name, st); err != nil {
			return err
		}
	}
	fmt.Printf("   Exported %d devices\n", len(states))
	return nil
}

func writeJSON(filename string, data interface{}) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func sanitizeFilename(s string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(s)
}
