package auth_test

import (
	"context"
	"database/sql"
	"testing"

	"phaseline/internal/db"
	"phaseline/internal/engine/auth"
	"phaseline/internal/migrate"
)

func newAuthDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	seed := []string{
		`INSERT INTO projects(id,slug,name,created_at,updated_at) VALUES ('p1','p1','p1','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`,
		`INSERT INTO actors(id) VALUES ('alice'),('bob')`,
		`INSERT INTO roles(id) VALUES ('approver'),('contributor')`,
		`INSERT INTO permissions(id) VALUES ('gates.approve')`,
		`INSERT INTO role_permissions(role_id,permission_id) VALUES ('approver','gates.approve')`,
		`INSERT INTO actor_roles(actor_id,project_id,role_id) VALUES ('alice','p1','approver'),('bob','p1','contributor')`,
	}
	for _, q := range seed {
		if _, err := conn.Exec(q); err != nil {
			t.Fatalf("seed %q: %v", q, err)
		}
	}
	return conn
}

func decide(t *testing.T, conn *sql.DB, actorID, gate string) auth.GateDecision {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	d, err := auth.Service{DB: conn}.GateAuthorityDecision(ctx, tx, "p1", actorID, gate)
	if err != nil {
		t.Fatalf("decision for %s: %v", actorID, err)
	}
	return d
}

func canApprove(t *testing.T, conn *sql.DB, actorID, gate string) bool {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	ok, err := auth.Service{DB: conn}.ActorCanApproveGate(ctx, tx, "p1", actorID, gate)
	if err != nil {
		t.Fatalf("can approve for %s: %v", actorID, err)
	}
	return ok
}

func TestOpenGateFallsBackToPermission(t *testing.T) {
	conn := newAuthDB(t)

	if d := decide(t, conn, "alice", "stack"); d != auth.GateOpen {
		t.Fatalf("expected open gate, got %d", d)
	}
	// alice holds gates.approve through approver, bob does not.
	if !canApprove(t, conn, "alice", "stack") {
		t.Fatalf("expected alice to approve an open gate")
	}
	if canApprove(t, conn, "bob", "stack") {
		t.Fatalf("bob lacks gates.approve")
	}
}

func TestAllowRowClosesGateForOtherRoles(t *testing.T) {
	conn := newAuthDB(t)
	if _, err := conn.Exec(`INSERT INTO gate_authorities(project_id,gate,role_id,allowed) VALUES ('p1','stack','approver',1)`); err != nil {
		t.Fatal(err)
	}
	// bob gets the fallback permission too; the closed gate must still win.
	if _, err := conn.Exec(`INSERT INTO role_permissions(role_id,permission_id) VALUES ('contributor','gates.approve')`); err != nil {
		t.Fatal(err)
	}

	if d := decide(t, conn, "alice", "stack"); d != auth.GateAllowed {
		t.Fatalf("expected allowed, got %d", d)
	}
	if d := decide(t, conn, "bob", "stack"); d != auth.GateClosed {
		t.Fatalf("expected closed, got %d", d)
	}
	if !canApprove(t, conn, "alice", "stack") {
		t.Fatalf("expected alice allowed")
	}
	if canApprove(t, conn, "bob", "stack") {
		t.Fatalf("closed gate must ignore the fallback permission")
	}

	// A different gate with no rows stays open.
	if d := decide(t, conn, "bob", "dependencies"); d != auth.GateOpen {
		t.Fatalf("expected other gate open, got %d", d)
	}
}

func TestDenyRowWinsOverAllow(t *testing.T) {
	conn := newAuthDB(t)
	stmts := []string{
		`INSERT INTO actor_roles(actor_id,project_id,role_id) VALUES ('alice','p1','contributor')`,
		`INSERT INTO gate_authorities(project_id,gate,role_id,allowed) VALUES ('p1','stack','approver',1)`,
		`INSERT INTO gate_authorities(project_id,gate,role_id,allowed) VALUES ('p1','stack','contributor',0)`,
	}
	for _, q := range stmts {
		if _, err := conn.Exec(q); err != nil {
			t.Fatal(err)
		}
	}

	if d := decide(t, conn, "alice", "stack"); d != auth.GateDenied {
		t.Fatalf("expected deny to win, got %d", d)
	}
	if canApprove(t, conn, "alice", "stack") {
		t.Fatalf("denied actor must not approve")
	}
}

func TestEnsureActorIdempotent(t *testing.T) {
	conn := newAuthDB(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	svc := auth.Service{DB: conn}
	if err := svc.EnsureActor(ctx, tx, "alice"); err != nil {
		t.Fatalf("existing actor: %v", err)
	}
	if err := svc.EnsureActor(ctx, tx, "newcomer"); err != nil {
		t.Fatalf("new actor: %v", err)
	}
	if err := svc.EnsureActor(ctx, tx, ""); err == nil {
		t.Fatalf("empty actor id must error")
	}
}
