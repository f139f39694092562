package app_test

import (
	"context"
	"database/sql"
	"testing"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
)

func newAppRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO projects(id,slug,name,created_at,updated_at) VALUES ('p1','p1','p1','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return repo.New(conn)
}

func countRows(t *testing.T, conn *sql.DB, query string) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return n
}

func TestBootstrapRoleSeedsOwnerFootprint(t *testing.T) {
	r := newAppRepo(t)
	ctx := context.Background()

	if err := app.BootstrapRole(ctx, r, config.Default("p1"), "p1", "alice", "owner"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if n := countRows(t, r.DB, `SELECT COUNT(*) FROM actor_roles WHERE actor_id='alice' AND project_id='p1' AND role_id='owner'`); n != 1 {
		t.Fatalf("expected project role row, got %d", n)
	}
	if n := countRows(t, r.DB, `SELECT COUNT(*) FROM orgs WHERE id='default-org'`); n != 1 {
		t.Fatalf("expected default org row, got %d", n)
	}
	if n := countRows(t, r.DB, `SELECT COUNT(*) FROM org_roles WHERE actor_id='alice' AND org_id='default-org' AND role_id='owner'`); n != 1 {
		t.Fatalf("expected org role row, got %d", n)
	}
	if n := countRows(t, r.DB, `SELECT COUNT(*) FROM role_permissions WHERE role_id='owner'`); n == 0 {
		t.Fatal("declared role must carry its permission set")
	}

	// Re-running bootstrap must not error or duplicate rows.
	if err := app.BootstrapRole(ctx, r, config.Default("p1"), "p1", "alice", "owner"); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if n := countRows(t, r.DB, `SELECT COUNT(*) FROM org_roles WHERE actor_id='alice'`); n != 1 {
		t.Fatalf("expected a single org role row, got %d", n)
	}
}

func TestBootstrapRoleRequiresProject(t *testing.T) {
	r := newAppRepo(t)
	err := app.BootstrapRole(context.Background(), r, config.Default("ghost"), "ghost", "alice", "owner")
	if err == nil {
		t.Fatal("expected unknown project to fail")
	}
	if err := app.BootstrapRole(context.Background(), r, nil, "p1", "", "owner"); err == nil {
		t.Fatal("expected empty actor to fail")
	}
}
