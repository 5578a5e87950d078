package db

import (
	"strings"
	"testing"
)

func TestMigrationFiles_Ordered(t *testing.T) {
	names, err := MigrationFiles()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected embedded migrations")
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %v", names)
		}
	}

	body, err := migrationsFS.ReadFile("migrations/" + names[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, table := range []string{"agreements", "escrow_balances", "ledger_entries", "timeline_events", "outbox"} {
		if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("initial migration does not create %s", table)
		}
	}
}
