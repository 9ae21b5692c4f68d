package migrate_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"issuesync/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	migrations, err := migrate.Migrations()
	if err != nil || len(migrations) == 0 {
		t.Fatalf("embedded migrations: %v %v", migrations, err)
	}
	latest := migrations[len(migrations)-1].Version
	for i := 0; i < 2; i++ {
		v, err := migrate.MigrateContext(context.Background(), conn)
		if err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
		if v != latest {
			t.Fatalf("expected version %d, got %d", latest, v)
		}
	}
	for _, table := range []string{"runs", "run_ops", "events", "api_keys"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
