package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateAtom(t *testing.T, store Store, projectID string, typ MemoryType, statement string) Atom {
	t.Helper()
	atom, err := store.CreateAtom(context.Background(), Atom{
		ProjectID:  projectID,
		Type:       typ,
		Importance: 0.6,
		Confidence: 0.8,
	}, Version{Statement: statement, Author: AuthorUser})
	if err != nil {
		t.Fatalf("create atom: %v", err)
	}
	return atom
}

func TestSQLiteStore_CreateAtomWritesInitialVersionAndOp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	atom := mustCreateAtom(t, store, "proj-1", TypeDecision, "Use PostgreSQL for storage")
	if atom.Statement != "Use PostgreSQL for storage" {
		t.Fatalf("canonical statement = %q", atom.Statement)
	}
	if atom.Status != StatusActive {
		t.Fatalf("status = %q, want active", atom.Status)
	}

	versions, err := store.ListVersions(ctx, atom.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 1 || versions[0].Number != 1 {
		t.Fatalf("expected exactly version 1, got %#v", versions)
	}
	if versions[0].Statement != atom.Statement {
		t.Fatalf("version statement %q != canonical %q", versions[0].Statement, atom.Statement)
	}

	ops, err := store.ListOps(ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("list ops: %v", err)
	}
	if len(ops) != 1 || ops[0].Op != OpMemoryCreate || ops[0].EntityID != atom.ID {
		t.Fatalf("expected one memory_create op for %s, got %#v", atom.ID, ops)
	}
}

func TestSQLiteStore_AppendVersionGaplessAndCanonical(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	atom := mustCreateAtom(t, store, "proj-1", TypeDecision, "Use PostgreSQL for storage")

	for i, stmt := range []string{"Use PostgreSQL 16", "Use PostgreSQL 16 with pgvector"} {
		v, err := store.AppendVersion(ctx, atom.ID, stmt, "refined", AuthorSystem)
		if err != nil {
			t.Fatalf("append version %d: %v", i, err)
		}
		if v.Number != i+2 {
			t.Fatalf("version number = %d, want %d", v.Number, i+2)
		}
	}

	versions, err := store.ListVersions(ctx, atom.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	for i, v := range versions {
		if v.Number != i+1 {
			t.Fatalf("gap in version numbers: %#v", versions)
		}
	}

	got, err := store.GetAtom(ctx, atom.ID)
	if err != nil {
		t.Fatalf("get atom: %v", err)
	}
	if got.Statement != versions[len(versions)-1].Statement {
		t.Fatalf("canonical %q != latest version %q", got.Statement, versions[len(versions)-1].Statement)
	}
	if got.UpdatedAtMS < got.CreatedAtMS {
		t.Fatalf("updated_at_ms went backwards")
	}
}

func TestSQLiteStore_NotFoundPaths(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	atom := mustCreateAtom(t, store, "proj-1", TypeGoal, "Ship the beta by March")

	if _, err := store.GetAtom(ctx, "mem-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing atom: %v, want ErrNotFound", err)
	}
	if _, err := store.AppendVersion(ctx, "mem-missing", "x y z statement", "", AuthorUser); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to missing atom: %v, want ErrNotFound", err)
	}
	if err := store.SetStatus(ctx, "mem-missing", StatusDisputed, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("set status on missing atom: %v, want ErrNotFound", err)
	}
	if err := store.AddEdge(ctx, Edge{FromID: atom.ID, ToID: "mem-missing", Relation: RelSupports}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("edge to missing atom: %v, want ErrNotFound", err)
	}
	if err := store.AddEdge(ctx, Edge{FromID: "mem-missing", ToID: atom.ID, Relation: RelSupports}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("edge from missing atom: %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_AddEdgeIdempotentPerTriple(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := mustCreateAtom(t, store, "proj-1", TypeDecision, "Use PostgreSQL for storage")
	b := mustCreateAtom(t, store, "proj-1", TypeDecision, "Use MySQL for storage instead")

	for i := 0; i < 3; i++ {
		if err := store.AddEdge(ctx, Edge{FromID: a.ID, ToID: b.ID, Relation: RelContradicts}); err != nil {
			t.Fatalf("add edge attempt %d: %v", i, err)
		}
	}
	edges, err := store.ListEdgesFrom(ctx, a.ID, RelContradicts)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected a single contradicts edge, got %d", len(edges))
	}

	// A different relation between the same endpoints is a new edge.
	if err := store.AddEdge(ctx, Edge{FromID: a.ID, ToID: b.ID, Relation: RelSupersedes}); err != nil {
		t.Fatalf("add second relation: %v", err)
	}
	all, err := store.ListEdgesFrom(ctx, a.ID, "")
	if err != nil {
		t.Fatalf("list all edges: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 edges across relations, got %d", len(all))
	}
}

func TestSQLiteStore_EvidenceLinksPreserveOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	atom := mustCreateAtom(t, store, "proj-1", TypeBelief, "The API is the bottleneck")

	first, err := store.PutEvidence(ctx, Evidence{ProjectID: "proj-1", Source: SourceChat, SourceRef: "msg-1", Text: "chunk one", Embedding: []float32{1, 0}})
	if err != nil {
		t.Fatalf("put evidence: %v", err)
	}
	second, err := store.PutEvidence(ctx, Evidence{ProjectID: "proj-1", Source: SourceChat, SourceRef: "msg-1", Text: "chunk two", ChunkIndex: 1})
	if err != nil {
		t.Fatalf("put evidence: %v", err)
	}
	for _, ev := range []Evidence{first, second} {
		if err := store.LinkEvidence(ctx, EvidenceLink{AtomID: atom.ID, EvidenceID: ev.ID, Quote: "q"}); err != nil {
			t.Fatalf("link evidence: %v", err)
		}
	}

	linked, err := store.ListAtomEvidence(ctx, atom.ID)
	if err != nil {
		t.Fatalf("list atom evidence: %v", err)
	}
	if len(linked) != 2 || linked[0].ID != first.ID || linked[1].ID != second.ID {
		t.Fatalf("evidence out of link order: %#v", linked)
	}
	if len(linked[0].Embedding) != 2 {
		t.Fatalf("embedding lost on round trip: %#v", linked[0].Embedding)
	}
	if linked[1].Embedding != nil {
		t.Fatalf("nil embedding should stay nil, got %#v", linked[1].Embedding)
	}
}

func TestSQLiteStore_SweepExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := nowMS()
	dayMS := int64(24 * 60 * 60 * 1000)

	stale, err := store.CreateAtom(ctx, Atom{
		ProjectID:   "proj-1",
		Type:        TypeAssumption,
		TTLDays:     7,
		CreatedAtMS: now - 8*dayMS,
	}, Version{Statement: "The cache will hold for a week"})
	if err != nil {
		t.Fatalf("create stale atom: %v", err)
	}
	windowed, err := store.CreateAtom(ctx, Atom{
		ProjectID:   "proj-1",
		Type:        TypeConstraint,
		CreatedAtMS: now - 2*dayMS,
		ValidToMS:   now - 1000,
	}, Version{Statement: "Freeze deploys until Friday"})
	if err != nil {
		t.Fatalf("create windowed atom: %v", err)
	}
	// A valid_to at or before creation describes a past period; it is not a
	// scheduled expiry.
	retrospective, err := store.CreateAtom(ctx, Atom{
		ProjectID:   "proj-1",
		Type:        TypeFailure,
		ValidFromMS: now - 60*dayMS,
		ValidToMS:   now - 30*dayMS,
	}, Version{Statement: "Nightly sync kept timing out through the spring"})
	if err != nil {
		t.Fatalf("create retrospective atom: %v", err)
	}
	fresh := mustCreateAtom(t, store, "proj-1", TypeDecision, "Use PostgreSQL for storage")

	n, err := store.SweepExpired(ctx, "proj-1", now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d atoms, want 2", n)
	}
	for _, id := range []string{stale.ID, windowed.ID} {
		got, err := store.GetAtom(ctx, id)
		if err != nil {
			t.Fatalf("get swept atom: %v", err)
		}
		if got.Status != StatusExpired {
			t.Fatalf("atom %s status = %q, want expired", id, got.Status)
		}
	}
	for _, id := range []string{fresh.ID, retrospective.ID} {
		got, err := store.GetAtom(ctx, id)
		if err != nil {
			t.Fatalf("get surviving atom: %v", err)
		}
		if got.Status != StatusActive {
			t.Fatalf("atom %s swept: %q", id, got.Status)
		}
	}
}

func TestSQLiteStore_DeleteProjectCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := mustCreateAtom(t, store, "proj-del", TypeDecision, "Use PostgreSQL for storage")
	b := mustCreateAtom(t, store, "proj-del", TypeDecision, "Use MySQL for storage instead")
	keep := mustCreateAtom(t, store, "proj-keep", TypeDecision, "Keep the monolith for now")

	if err := store.AddEdge(ctx, Edge{FromID: a.ID, ToID: b.ID, Relation: RelContradicts}); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	ev, err := store.PutEvidence(ctx, Evidence{ProjectID: "proj-del", Source: SourceChat, Text: "chunk"})
	if err != nil {
		t.Fatalf("put evidence: %v", err)
	}
	if err := store.LinkEvidence(ctx, EvidenceLink{AtomID: a.ID, EvidenceID: ev.ID}); err != nil {
		t.Fatalf("link evidence: %v", err)
	}

	if err := store.DeleteProject(ctx, "proj-del"); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	if _, err := store.GetAtom(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("atom survived deletion: %v", err)
	}
	if _, err := store.GetEvidence(ctx, ev.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("evidence survived deletion: %v", err)
	}
	ops, err := store.ListOps(ctx, "proj-del", 10)
	if err != nil {
		t.Fatalf("list ops: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("ops log survived deletion: %#v", ops)
	}
	if _, err := store.GetAtom(ctx, keep.ID); err != nil {
		t.Fatalf("other project was touched: %v", err)
	}
}

func TestSQLiteStore_ListAtomsFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	d := mustCreateAtom(t, store, "proj-1", TypeDecision, "Use PostgreSQL for storage")
	c := mustCreateAtom(t, store, "proj-1", TypeCommitment, "Deliver the report by Friday")
	if err := store.SetStatus(ctx, c.ID, StatusDisputed, "test"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	active, err := store.ListAtoms(ctx, "proj-1", []Status{StatusActive}, nil)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != d.ID {
		t.Fatalf("active filter wrong: %#v", active)
	}

	committed, err := store.ListAtoms(ctx, "proj-1", nil, []MemoryType{TypeCommitment})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(committed) != 1 || committed[0].ID != c.ID {
		t.Fatalf("type filter wrong: %#v", committed)
	}

	projects, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects) != 1 || projects[0] != "proj-1" {
		t.Fatalf("projects = %#v", projects)
	}
}
