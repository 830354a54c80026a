package memory

import "context"

// Store provides durable persistence for atoms, versions, edges, evidence,
// and the operations log. Every mutating method commits its change together
// with exactly one ops-log entry describing it; no mutation is observable
// without its log entry.
type Store interface {
	Close() error

	// CreateAtom persists an atom and its version 1 atomically. The atom's
	// Statement is forced to match the initial version's statement.
	CreateAtom(ctx context.Context, atom Atom, initial Version) (Atom, error)
	GetAtom(ctx context.Context, id string) (Atom, error)

	// AppendVersion adds the next version to an atom, updating the canonical
	// statement and modification time. Fails with ErrNotFound when the atom
	// does not exist.
	AppendVersion(ctx context.Context, atomID, statement, rationale, author string) (Version, error)
	ListVersions(ctx context.Context, atomID string) ([]Version, error)

	// SetStatus transitions an atom's lifecycle state. Fails with
	// ErrNotFound when the atom does not exist.
	SetStatus(ctx context.Context, atomID string, status Status, reason string) error

	// SetGovernance updates importance and confidence (dedup-merge raises
	// each to the max of old and new).
	SetGovernance(ctx context.Context, atomID string, importance, confidence float64) error

	// AddEdge links two existing atoms. Fails with ErrNotFound when either
	// endpoint is missing. Creation is idempotent per (from, to, relation):
	// re-adding an identical relation is a no-op rather than a duplicate row.
	AddEdge(ctx context.Context, edge Edge) error
	ListEdgesFrom(ctx context.Context, atomID string, relation Relation) ([]Edge, error)

	ListAtoms(ctx context.Context, projectID string, statuses []Status, types []MemoryType) ([]Atom, error)
	// ListProjects returns the distinct project ids that own atoms.
	ListProjects(ctx context.Context) ([]string, error)
	ListAtomsByConflictKey(ctx context.Context, projectID, conflictKey, excludeID string) ([]Atom, error)

	PutEvidence(ctx context.Context, ev Evidence) (Evidence, error)
	GetEvidence(ctx context.Context, id string) (Evidence, error)
	LinkEvidence(ctx context.Context, link EvidenceLink) error
	ListEvidenceLinks(ctx context.Context, atomID string) ([]EvidenceLink, error)
	// ListAtomEvidence returns the evidence rows linked to an atom in link
	// creation order, embeddings included.
	ListAtomEvidence(ctx context.Context, atomID string) ([]Evidence, error)

	// AppendOp records a pipeline-level audit entry (ingest, dedup,
	// conflict, compaction). Store-level mutations write their own entries.
	AppendOp(ctx context.Context, op OpsEntry) error
	ListOps(ctx context.Context, projectID string, limit int) ([]OpsEntry, error)

	// SweepExpired flips atoms whose TTL or validity window has passed to
	// expired and returns how many changed.
	SweepExpired(ctx context.Context, projectID string, nowMS int64) (int, error)

	// DeleteProject removes all state scoped to a project.
	DeleteProject(ctx context.Context, projectID string) error
}
