package migrations

import (
	"context"
	"testing"

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/database"
)

func TestEmbeddedMigrationsApply(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	for _, table := range []string{"device_settings", "readings"} {
		var n int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&n); err != nil {
			t.Fatalf("querying sqlite_master: %v", err)
		}
		if n != 1 {
			t.Errorf("table %s not created", table)
		}
	}

	// Every migration must be reversible.
	for range 2 {
		if err := db.MigrateDown(ctx); err != nil {
			t.Fatalf("MigrateDown() error = %v", err)
		}
	}
	applied, _, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("applied = %d after rolling back everything, want 0", len(applied))
	}
}
