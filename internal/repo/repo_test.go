package repo_test

import (
	"context"
	"errors"
	"testing"

	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/events"
	"bidline/internal/migrate"
	"bidline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Dialect: dialect}
}

const ts = "2024-01-01T00:00:00Z"

func insert(t *testing.T, r repo.Repo, id, name string) {
	t.Helper()
	p := domain.Project{ID: id, Name: name, Status: domain.StatusPending, CreatedBy: "admin", CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertProject(context.Background(), p); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := newRepo(t)
	if err := migrate.Migrate(r.DB, r.Dialect); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestConditionalUpdateStampsOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insert(t, r, "p1", "Batch A")
	op := "op-1"
	if err := r.ConditionalUpdate(ctx, "p1", domain.StatusPending, repo.ProjectPatch{Status: domain.StatusRegistration, Assign: &op, At: ts}); err != nil {
		t.Fatal(err)
	}
	reg := &domain.RegistrationInfo{ContactPerson: "a", ContactMobile: "1", Computer: "c", Network: "n", ImagesPath: []string{"image/x.png"}}
	if err := r.ConditionalUpdate(ctx, "p1", domain.StatusRegistration, repo.ProjectPatch{Status: domain.StatusDeposit, Payload: reg, At: ts}); err != nil {
		t.Fatal(err)
	}
	err := r.ConditionalUpdate(ctx, "p1", domain.StatusRegistration, repo.ProjectPatch{Status: domain.StatusDeposit, Payload: reg, At: "2024-02-01T00:00:00Z"})
	if !errors.Is(err, repo.ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}
	p, err := r.GetProject(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusDeposit || p.RegistrationAt == nil || *p.RegistrationAt != ts {
		t.Fatalf("unexpected project %+v", p)
	}
	if p.RegistrationInfo == nil || p.RegistrationInfo.ImagesPath[0] != "image/x.png" {
		t.Fatalf("registration info not round-tripped: %+v", p.RegistrationInfo)
	}
	if err := r.ConditionalUpdate(ctx, "missing", domain.StatusPending, repo.ProjectPatch{Status: domain.StatusRegistration, At: ts}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFindProjectsExactNameExcludingSelf(t *testing.T) {
	r := newRepo(t)
	insert(t, r, "a", "Batch A")
	insert(t, r, "b", "Batch A")
	insert(t, r, "c", "Batch A ")
	insert(t, r, "d", "batch a")
	got, err := r.FindProjects(context.Background(), repo.ProjectFilter{Name: "Batch A", ExcludeID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only b, got %+v", got)
	}
}

func TestResolveConflictCheckOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insert(t, r, "a", "Batch A")
	check := domain.ConflictCheck{
		ID: "c1", ProjectID: "a", ProjectName: "Batch A", CreatedAt: ts,
		Entries: []domain.ConflictEntry{{SiblingID: "b", SiblingCompany: "Acme", Fields: []string{"报名联系手机", "IP地址"}}},
	}
	if err := r.InsertConflictCheck(ctx, check); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetConflictCheck(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 1 || len(got.Entries[0].Fields) != 2 || got.Entries[0].Fields[1] != "IP地址" {
		t.Fatalf("unexpected entries %+v", got.Entries)
	}
	if err := r.ResolveConflictCheck(ctx, "c1", "aud", "ok", ts); err != nil {
		t.Fatal(err)
	}
	if err := r.ResolveConflictCheck(ctx, "c1", "aud", "again", ts); !errors.Is(err, repo.ErrAlreadyResolved) {
		t.Fatalf("expected already resolved, got %v", err)
	}
	if err := r.ResolveConflictCheck(ctx, "nope", "aud", "x", ts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	open := false
	items, err := r.ListConflictChecks(ctx, repo.ConflictFilter{Resolved: &open})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no open checks, got %d", len(items))
	}
}

func TestAPIKeyLookupByHash(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "ci", Roles: []string{"auditor"}, KeyHash: repo.HashAPIKey("bl_secret"), CreatedAt: ts}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" bl_secret "))
	if err != nil {
		t.Fatal(err)
	}
	if got.ActorID != "ci" || len(got.Roles) != 1 || got.Roles[0] != "auditor" {
		t.Fatalf("unexpected key %+v", got)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLatestEventsPagesBackwards(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB, Dialect: r.Dialect}
	for i := 0; i < 5; i++ {
		if err := w.Append(ctx, events.Entry{Type: "project.taken", ProjectID: "p1", EntityKind: "project", EntityID: "p1", ActorID: "op-1"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Append(ctx, events.Entry{Type: "project.created", EntityKind: "project"}); err == nil {
		t.Fatalf("expected missing actor to be rejected")
	}
	first, err := r.LatestEvents(ctx, repo.EventFilter{ProjectID: "p1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].ID <= first[1].ID {
		t.Fatalf("expected newest first, got %+v", first)
	}
	rest, err := r.LatestEvents(ctx, repo.EventFilter{ProjectID: "p1", Before: first[1].ID, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 3 {
		t.Fatalf("expected 3 older events, got %d", len(rest))
	}
	n, err := r.CountEvents(ctx, "p1", "project.taken")
	if err != nil || n != 5 {
		t.Fatalf("expected 5 events, got %d (%v)", n, err)
	}
}
