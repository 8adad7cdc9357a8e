package migrate

import (
	"context"
	"testing"

	"specforge/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if v, err := Version(ctx, conn); err == nil && v != 0 {
		t.Fatalf("fresh database reports version %d", v)
	}
	for i := 0; i < 2; i++ {
		if err := MigrateContext(ctx, conn); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	v, err := Version(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	if want := migrations[len(migrations)-1].Version; v != want {
		t.Fatalf("version %d, want %d", v, want)
	}
}

func TestOneActiveJobPerDocument(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatal(err)
	}
	stmts := []string{
		`INSERT INTO projects(id, name, created_at) VALUES ('p1','P','2024-01-01T00:00:00Z')`,
		`INSERT INTO drafts(id, project_id, mode, progress, created_at, updated_at) VALUES ('d1','p1','auto',0,'2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`,
		`INSERT INTO documents(id, draft_id, project_id, source, title, content, tokens, created_at) VALUES ('doc1','d1','p1','auto','T','C',1,'2024-01-01T00:00:00Z')`,
		`INSERT INTO build_jobs(id, document_id, project_id, status, created_at) VALUES ('j1','doc1','p1','running','2024-01-01T00:00:00Z')`,
		`INSERT INTO build_jobs(id, document_id, project_id, status, created_at) VALUES ('j0','doc1','p1','completed','2024-01-01T00:00:00Z')`,
	}
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	if _, err := conn.Exec(`INSERT INTO build_jobs(id, document_id, project_id, status, created_at) VALUES ('j2','doc1','p1','pending','2024-01-01T00:00:00Z')`); err == nil {
		t.Fatal("second active job for the same document was accepted")
	}
}
