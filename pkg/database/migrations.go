package database

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"
)

//go:embed migrations
var migrationsFS embed.FS

// ValidateMigrationFilenames ensures every embedded migration has a unique
// numeric version prefix. Two files sharing a version is a packaging error
// golang-migrate only reports at apply time; this surfaces it at startup and
// in tests.
func ValidateMigrationFilenames() error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}

	seen := make(map[string]string)
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		count++
		version, _, ok := strings.Cut(name, "_")
		if !ok || version == "" {
			return fmt.Errorf("migration %q has no version prefix", name)
		}
		direction := "up"
		if strings.HasSuffix(name, ".down.sql") {
			direction = "down"
		}
		key := version + ":" + direction
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("duplicate migration version %s: %q and %q", version, prev, name)
		}
		seen[key] = name
	}
	if count == 0 {
		return fmt.Errorf("no embedded migration files found")
	}
	return nil
}
