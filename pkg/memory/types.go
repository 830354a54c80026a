package memory

// MemoryType classifies the kind of fact an atom holds.
type MemoryType string

const (
	TypeDecision   MemoryType = "decision"
	TypeCommitment MemoryType = "commitment"
	TypeConstraint MemoryType = "constraint"
	TypePreference MemoryType = "preference"
	TypeGoal       MemoryType = "goal"
	TypeBelief     MemoryType = "belief"
	TypeFailure    MemoryType = "failure"
	TypeAssumption MemoryType = "assumption"
	TypeException  MemoryType = "exception"
)

// Durability controls how long an atom should be considered valid.
type Durability string

const (
	DurabilityEphemeral Durability = "ephemeral"
	DurabilitySession   Durability = "session"
	DurabilityDurable   Durability = "durable"
)

// Status is the lifecycle state of an atom. Atoms are never deleted;
// supersession and expiry are status transitions.
type Status string

const (
	StatusActive     Status = "active"
	StatusDisputed   Status = "disputed"
	StatusSuperseded Status = "superseded"
	StatusExpired    Status = "expired"
)

// Relation types an edge between two atoms.
type Relation string

const (
	RelSupports    Relation = "supports"
	RelContradicts Relation = "contradicts"
	RelDerivedFrom Relation = "derived_from"
	RelSupersedes  Relation = "supersedes"
	RelCauses      Relation = "causes"
	RelDependsOn   Relation = "depends_on"
)

// SourceType identifies where a piece of evidence came from.
type SourceType string

const (
	SourceChat   SourceType = "chat"
	SourceFile   SourceType = "file"
	SourceURL    SourceType = "url"
	SourceManual SourceType = "manual"
)

// OpType classifies operations-log entries.
type OpType string

const (
	OpIngest            OpType = "ingest"
	OpDedup             OpType = "dedup"
	OpConflict          OpType = "conflict"
	OpEnforcement       OpType = "enforcement"
	OpCompaction        OpType = "compaction"
	OpMemoryCreate      OpType = "memory_create"
	OpMemoryUpdate      OpType = "memory_update"
	OpMemorySupersede   OpType = "memory_supersede"
	OpExceptionCreate   OpType = "exception_create"
	OpViolationDetected OpType = "violation_detected"
)

// Atom is a single typed fact. Its Statement always mirrors the statement
// of the highest-numbered version.
type Atom struct {
	ID          string
	ProjectID   string
	Type        MemoryType
	Statement   string
	ConflictKey string
	Importance  float64
	Confidence  float64
	Durability  Durability
	Status      Status
	ValidFromMS int64
	ValidToMS   int64
	TTLDays     int
	Entities    []string
	CreatedAtMS int64
	UpdatedAtMS int64
}

// Version is one entry in an atom's append-only statement history.
// Numbers are 1-based and gapless per atom.
type Version struct {
	ID          string
	AtomID      string
	Number      int
	Statement   string
	Rationale   string
	Author      string
	CreatedAtMS int64
}

// Version author classes.
const (
	AuthorUser   = "user"
	AuthorSystem = "system"
)

// Edge is a directed, typed relationship between two atoms. The graph is a
// general multigraph and may contain cycles.
type Edge struct {
	ID          string
	FromID      string
	ToID        string
	Relation    Relation
	Confidence  float64
	CreatedAtMS int64
}

// Evidence is a chunk of source text with its embedding captured at
// ingestion time. A nil Embedding means embedding failed or was skipped.
type Evidence struct {
	ID          string
	ProjectID   string
	Source      SourceType
	SourceRef   string
	Text        string
	Embedding   []float32
	ChunkIndex  int
	TokenCount  int
	CreatedAtMS int64
}

// EvidenceLink attaches a cited quote to the (atom, evidence) pair.
type EvidenceLink struct {
	ID          string
	AtomID      string
	EvidenceID  string
	Quote       string
	Confidence  float64
	CreatedAtMS int64
}

// OpsEntry is an append-only audit record. The ops log is the sole source
// of truth for the project timeline and is never mutated.
type OpsEntry struct {
	ID          string
	ProjectID   string
	Op          OpType
	EntityID    string
	EntityKind  string
	Message     string
	Extra       map[string]string
	CreatedAtMS int64
}

// Candidate is a fact proposed by the extraction capability, before the
// write gate and deduplication have seen it.
type Candidate struct {
	Type        MemoryType `json:"type"`
	Statement   string     `json:"canonical_statement"`
	ConflictKey string     `json:"conflict_key"`
	Importance  float64    `json:"importance"`
	Confidence  float64    `json:"confidence"`
	Durability  Durability `json:"durability"`
	Rationale   string     `json:"rationale"`
	Quote       string     `json:"evidence_quote"`
	Entities    []string   `json:"entities"`
}

// DedupResult is the outcome of checking one candidate against the store.
type DedupResult struct {
	IsDuplicate     bool
	IsContradiction bool
	MatchedID       string
	MergedStatement string
	NewDetails      string
}

// ConflictRecord describes one detected contradiction or refinement for
// audit logging by the caller.
type ConflictRecord struct {
	OtherID        string
	OtherStatement string
	Relation       string
	Action         string
	Explanation    string
}

// ScoredAtom pairs an atom with its retrieval score.
type ScoredAtom struct {
	Atom  Atom
	Score float64
}

// RetrievalOptions controls candidate filtering during retrieval.
type RetrievalOptions struct {
	MaxResults      int
	IncludeDisputed bool
	Types           []MemoryType
	NowMS           int64
}

// ContextPack is the grouped retrieval output handed to response
// generation: diversified memories by type plus the un-diversified view of
// binding obligations.
type ContextPack struct {
	ByType      map[MemoryType][]ScoredAtom
	Commitments []Atom
	MemoryIDs   []string
}

// Ledger summarizes a project's memory grouped by type.
type Ledger struct {
	ByType        map[MemoryType][]Atom
	TotalCount    int
	ActiveCount   int
	DisputedCount int
}
