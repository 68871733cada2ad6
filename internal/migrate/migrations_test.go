package migrate_test

import (
	"testing"

	"specforge/internal/db"
	"specforge/internal/migrate"
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
		t.Fatalf("schema_version: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
	if _, err := conn.Exec(
		`INSERT INTO projects(name,path,status,created_at) VALUES ('demo','','active','2025-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("schema unusable after re-migrate: %v", err)
	}
}
