package memory

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestEngine(t *testing.T, model LanguageModel) *Engine {
	t.Helper()
	if model == nil {
		model = &fakeModel{embedFn: tableEmbed(map[string][]float32{})}
	}
	eng, err := NewEngine(Config{
		DBPath: filepath.Join(t.TempDir(), "memory.db"),
	}, model, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestNewEngine_ConfigValidation(t *testing.T) {
	model := &fakeModel{}
	if _, err := NewEngine(Config{}, model, nil, nil); err == nil {
		t.Fatalf("empty db path must fail")
	}
	if _, err := NewEngine(Config{
		DBPath:        filepath.Join(t.TempDir(), "memory.db"),
		SweepSchedule: "not a cron line",
	}, model, nil, nil); err == nil {
		t.Fatalf("invalid sweep schedule must fail")
	}
	if _, err := NewEngine(Config{
		DBPath:             filepath.Join(t.TempDir(), "memory.db"),
		CompactionSchedule: "99 99 * * *",
	}, model, nil, nil); err == nil {
		t.Fatalf("invalid compaction schedule must fail")
	}
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	eng := newTestEngine(t, nil)
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestEngine_CreateMemoryAppliesWriteGate(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil)

	if _, err := eng.CreateMemory(ctx, "proj-1", Candidate{
		Type: TypeDecision, Statement: "Use PostgreSQL for storage", Importance: 0.3, Confidence: 0.8,
	}); err == nil {
		t.Fatalf("low importance must be rejected")
	}
	if _, err := eng.CreateMemory(ctx, "proj-1", Candidate{
		Type: TypeDecision, Statement: "too short", Importance: 0.8, Confidence: 0.8,
	}); err == nil {
		t.Fatalf("short statement must be rejected")
	}
	if _, err := eng.CreateMemory(ctx, "proj-1", Candidate{
		Type: "opinion", Statement: "Use PostgreSQL for storage", Importance: 0.8, Confidence: 0.8,
	}); err == nil {
		t.Fatalf("unknown type must be rejected")
	}

	atom, err := eng.CreateMemory(ctx, "proj-1", Candidate{
		Type: TypeDecision, Statement: "Use PostgreSQL for storage", Importance: 0.8, Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("create memory: %v", err)
	}
	if atom.Durability != DurabilityDurable {
		t.Fatalf("durability default missing: %q", atom.Durability)
	}

	got, err := eng.GetAtom(ctx, atom.ID)
	if err != nil {
		t.Fatalf("get atom: %v", err)
	}
	if got.Statement != "Use PostgreSQL for storage" {
		t.Fatalf("statement = %q", got.Statement)
	}
}

func TestEngine_CreateMemoryRejectsUnknownDurability(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil)

	for _, bad := range []Durability{"temporary", "permanent", "forever"} {
		if _, err := eng.CreateMemory(ctx, "proj-1", Candidate{
			Type: TypeDecision, Statement: "Use PostgreSQL for storage", Importance: 0.8, Confidence: 0.8,
			Durability: bad,
		}); err == nil {
			t.Fatalf("durability %q must be rejected", bad)
		}
	}

	atom, err := eng.CreateMemory(ctx, "proj-1", Candidate{
		Type: TypeDecision, Statement: "Use PostgreSQL for storage", Importance: 0.8, Confidence: 0.8,
		Durability: DurabilitySession,
	})
	if err != nil {
		t.Fatalf("create memory: %v", err)
	}
	if atom.Durability != DurabilitySession {
		t.Fatalf("durability = %q, want session", atom.Durability)
	}
}

func TestEngine_CreateMemoryLogsDetectedConflicts(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{
		embedFn: tableEmbed(map[string][]float32{}),
		extractFn: func(prompt, system string, out any) error {
			return unmarshalInto(`{"relation": "contradiction", "action": "mark_disputed", "explanation": "the two choices are mutually exclusive"}`, out)
		},
	}
	eng := newTestEngine(t, model)

	first, err := eng.CreateMemory(ctx, "proj-1", Candidate{
		Type: TypeDecision, Statement: "Use PostgreSQL for storage", Importance: 0.8, Confidence: 0.8,
		ConflictKey: "db-choice",
	})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := eng.CreateMemory(ctx, "proj-1", Candidate{
		Type: TypeDecision, Statement: "Use MySQL for storage instead", Importance: 0.8, Confidence: 0.8,
		ConflictKey: "db-choice",
	})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	ops, err := eng.OpsLog(ctx, "proj-1", 20)
	if err != nil {
		t.Fatalf("ops log: %v", err)
	}
	found := false
	for _, op := range ops {
		if op.Op == OpConflict && op.EntityID == second.ID {
			if op.Extra["other_id"] != first.ID {
				t.Fatalf("conflict op other_id = %q, want %q", op.Extra["other_id"], first.ID)
			}
			if op.Extra["relation"] != "contradiction" || op.Extra["action"] != ActionMarkDisputed {
				t.Fatalf("conflict op extras wrong: %#v", op.Extra)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("manual creation logged no conflict op: %#v", ops)
	}
}

func TestEngine_ResolveConflictLogsResolution(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil)

	atom, err := eng.CreateMemory(ctx, "proj-1", Candidate{
		Type: TypeDecision, Statement: "Use PostgreSQL for storage", Importance: 0.8, Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("create memory: %v", err)
	}
	if err := eng.Store().SetStatus(ctx, atom.ID, StatusDisputed, "test"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	resolved, err := eng.ResolveConflict(ctx, atom.ID, ResolveKeepBoth, "", "agree to disagree")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusActive {
		t.Fatalf("resolved status = %q", resolved.Status)
	}

	ops, err := eng.OpsLog(ctx, "proj-1", 20)
	if err != nil {
		t.Fatalf("ops log: %v", err)
	}
	found := false
	for _, op := range ops {
		if op.Op == OpConflict && op.Extra["action"] == ResolveKeepBoth {
			found = true
		}
	}
	if !found {
		t.Fatalf("resolution not logged: %#v", ops)
	}
}

func TestEngine_EndToEndIngestAndRetrieve(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{
		embedFn: tableEmbed(map[string][]float32{}),
		extractFn: routedExtract(`{"candidates": [{
			"type": "commitment",
			"canonical_statement": "Deliver the report by Friday",
			"importance": 0.8,
			"confidence": 0.9
		}]}`, "", ""),
	}
	eng := newTestEngine(t, model)

	atoms, err := eng.IngestMessage(ctx, "proj-1", "I will deliver the report by Friday", "msg-1", "", "turn-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(atoms) != 1 {
		t.Fatalf("expected one atom, got %d", len(atoms))
	}

	results, err := eng.Retrieve(ctx, "proj-1", "report deadline", RetrievalOptions{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 || results[0].Atom.ID != atoms[0].ID {
		t.Fatalf("retrieval missed the ingested atom: %#v", results)
	}

	pack, err := eng.BuildContextPack(ctx, "proj-1", "report", 5)
	if err != nil {
		t.Fatalf("context pack: %v", err)
	}
	if len(pack.Commitments) != 1 {
		t.Fatalf("commitment missing from pack: %#v", pack)
	}

	ledger, err := eng.Ledger(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if ledger.TotalCount != 1 || ledger.ActiveCount != 1 {
		t.Fatalf("ledger counts wrong: %#v", ledger)
	}

	if err := eng.DeleteProject(ctx, "proj-1"); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	after, err := eng.Ledger(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ledger after delete: %v", err)
	}
	if after.TotalCount != 0 {
		t.Fatalf("project not fully deleted: %#v", after)
	}
}
