package migrate_test

import (
	"strings"
	"testing"

	"fieldline/internal/db"
	"fieldline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d, want 1", version)
	}
}

func TestMigrateRefusesSchemaWithoutAuditGuards(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`DROP TRIGGER workflow_log_no_update`); err != nil {
		t.Fatal(err)
	}
	err = migrate.Migrate(conn)
	if err == nil || !strings.Contains(err.Error(), "workflow_log_no_update") {
		t.Fatalf("migrate must refuse a schema missing the immutability trigger, got %v", err)
	}
}
