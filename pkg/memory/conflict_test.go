package memory

import (
	"context"
	"errors"
	"testing"
)

func conflictModel(relation, action string) *fakeModel {
	return &fakeModel{
		extractFn: func(prompt, system string, out any) error {
			return unmarshalInto(`{"relation": "`+relation+`", "action": "`+action+`", "explanation": "test"}`, out)
		},
	}
}

func createKeyed(t *testing.T, store Store, projectID string, typ MemoryType, statement, key string, confidence float64) Atom {
	t.Helper()
	atom, err := store.CreateAtom(context.Background(), Atom{
		ProjectID:   projectID,
		Type:        typ,
		ConflictKey: key,
		Importance:  0.6,
		Confidence:  confidence,
	}, Version{Statement: statement})
	if err != nil {
		t.Fatalf("create atom: %v", err)
	}
	return atom
}

func TestDetectConflicts_MarkDisputed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	detector := NewConflictDetector(store, conflictModel("contradiction", "mark_disputed"))

	old := createKeyed(t, store, "proj-1", TypeDecision, "Deploy on Fridays is fine", "deploy-policy", 0.8)
	newer := createKeyed(t, store, "proj-1", TypeDecision, "Never deploy on Fridays", "deploy-policy", 0.8)

	records, err := detector.DetectConflicts(ctx, "proj-1", newer)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(records) != 1 || records[0].OtherID != old.ID || records[0].Relation != "contradiction" {
		t.Fatalf("records = %#v", records)
	}

	for _, id := range []string{old.ID, newer.ID} {
		got, err := store.GetAtom(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != StatusDisputed {
			t.Fatalf("atom %s status = %q, want disputed", id, got.Status)
		}
	}
	edges, err := store.ListEdgesFrom(ctx, newer.ID, RelContradicts)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 || edges[0].ToID != old.ID {
		t.Fatalf("contradicts edge missing: %#v", edges)
	}
}

func TestDetectConflicts_PreferNewerSupersedesOlder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	detector := NewConflictDetector(store, conflictModel("contradiction", "prefer_newer"))

	old := createKeyed(t, store, "proj-1", TypeDecision, "Use REST for the public API", "api-style", 0.8)
	newer := createKeyed(t, store, "proj-1", TypeDecision, "Use gRPC for the public API", "api-style", 0.8)

	if _, err := detector.DetectConflicts(ctx, "proj-1", newer); err != nil {
		t.Fatalf("detect: %v", err)
	}

	gotOld, _ := store.GetAtom(ctx, old.ID)
	if gotOld.Status != StatusSuperseded {
		t.Fatalf("old atom status = %q, want superseded", gotOld.Status)
	}
	gotNew, _ := store.GetAtom(ctx, newer.ID)
	if gotNew.Status != StatusActive {
		t.Fatalf("new atom status = %q, want active", gotNew.Status)
	}
	edges, err := store.ListEdgesFrom(ctx, newer.ID, RelSupersedes)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 || edges[0].ToID != old.ID {
		t.Fatalf("supersedes edge missing: %#v", edges)
	}
}

func TestDetectConflicts_PreferHigherConfidenceTieFavorsNew(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	detector := NewConflictDetector(store, conflictModel("contradiction", "prefer_higher_confidence"))

	old := createKeyed(t, store, "proj-1", TypeDecision, "Keep the retry limit at three", "retry-limit", 0.8)
	newer := createKeyed(t, store, "proj-1", TypeDecision, "Raise the retry limit to five", "retry-limit", 0.8)

	if _, err := detector.DetectConflicts(ctx, "proj-1", newer); err != nil {
		t.Fatalf("detect: %v", err)
	}
	gotOld, _ := store.GetAtom(ctx, old.ID)
	if gotOld.Status != StatusSuperseded {
		t.Fatalf("tie must favor the new atom; old status = %q", gotOld.Status)
	}
}

func TestDetectConflicts_RefinementAddsDerivedFromOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	detector := NewConflictDetector(store, conflictModel("refinement", ""))

	old := createKeyed(t, store, "proj-1", TypeConstraint, "Responses must be fast", "latency", 0.8)
	newer := createKeyed(t, store, "proj-1", TypeConstraint, "Responses must return within 200ms", "latency", 0.8)

	records, err := detector.DetectConflicts(ctx, "proj-1", newer)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(records) != 1 || records[0].Relation != "refinement" {
		t.Fatalf("records = %#v", records)
	}
	for _, id := range []string{old.ID, newer.ID} {
		got, _ := store.GetAtom(ctx, id)
		if got.Status != StatusActive {
			t.Fatalf("refinement must not change status, atom %s = %q", id, got.Status)
		}
	}
	edges, err := store.ListEdgesFrom(ctx, newer.ID, RelDerivedFrom)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 || edges[0].ToID != old.ID {
		t.Fatalf("derived_from edge missing: %#v", edges)
	}
}

func TestDetectConflicts_IdempotentOnRerun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	detector := NewConflictDetector(store, conflictModel("refinement", ""))

	createKeyed(t, store, "proj-1", TypeConstraint, "Responses must be fast", "latency", 0.8)
	newer := createKeyed(t, store, "proj-1", TypeConstraint, "Responses must return within 200ms", "latency", 0.8)

	for i := 0; i < 2; i++ {
		if _, err := detector.DetectConflicts(ctx, "proj-1", newer); err != nil {
			t.Fatalf("detect run %d: %v", i, err)
		}
	}
	edges, err := store.ListEdgesFrom(ctx, newer.ID, RelDerivedFrom)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("re-detection duplicated edges: %d", len(edges))
	}
}

func TestDetectConflicts_NoKeyNoScan(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	model := conflictModel("contradiction", "mark_disputed")
	detector := NewConflictDetector(store, model)

	atom := mustCreateAtom(t, store, "proj-1", TypeBelief, "The queue is backed up")
	records, err := detector.DetectConflicts(ctx, "proj-1", atom)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if records != nil || model.extractCalls != 0 {
		t.Fatalf("keyless atom must skip detection entirely")
	}
}

func TestResolveConflict_Actions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	detector := NewConflictDetector(store, conflictModel("contradiction", "mark_disputed"))

	old := createKeyed(t, store, "proj-1", TypeDecision, "Deploy on Fridays is fine", "deploy-policy", 0.8)
	newer := createKeyed(t, store, "proj-1", TypeDecision, "Never deploy on Fridays", "deploy-policy", 0.8)
	if _, err := detector.DetectConflicts(ctx, "proj-1", newer); err != nil {
		t.Fatalf("detect: %v", err)
	}

	resolved, err := detector.ResolveConflict(ctx, newer.ID, ResolveKeepNew, "", "team decided")
	if err != nil {
		t.Fatalf("resolve keep_new: %v", err)
	}
	if resolved.Status != StatusActive {
		t.Fatalf("keep_new left atom %q", resolved.Status)
	}
	gotOld, _ := store.GetAtom(ctx, old.ID)
	if gotOld.Status != StatusSuperseded {
		t.Fatalf("keep_new must supersede the contradicted atom, got %q", gotOld.Status)
	}

	// merge requires a statement.
	if _, err := detector.ResolveConflict(ctx, newer.ID, ResolveMerge, "", "r"); err == nil {
		t.Fatalf("merge without statement must fail")
	}
	merged, err := detector.ResolveConflict(ctx, newer.ID, ResolveMerge, "Deploy on Fridays only with approval", "compromise")
	if err != nil {
		t.Fatalf("resolve merge: %v", err)
	}
	if merged.Statement != "Deploy on Fridays only with approval" {
		t.Fatalf("merge statement not applied: %q", merged.Statement)
	}

	kept, err := detector.ResolveConflict(ctx, newer.ID, ResolveKeepOld, "", "rollback")
	if err != nil {
		t.Fatalf("resolve keep_old: %v", err)
	}
	if kept.Status != StatusSuperseded {
		t.Fatalf("keep_old must supersede the atom, got %q", kept.Status)
	}

	if _, err := detector.ResolveConflict(ctx, "mem-missing", ResolveKeepBoth, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resolve on missing atom: %v, want ErrNotFound", err)
	}
	if _, err := detector.ResolveConflict(ctx, newer.ID, "discard", "", ""); err == nil {
		t.Fatalf("unknown action must fail")
	}
}
