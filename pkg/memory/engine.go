package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// Config configures the memory engine.
type Config struct {
	DBPath             string
	MaxResults         int
	EmbedCacheSize     int
	SweepSchedule      string
	CompactionSchedule string
	MaintenancePoll    time.Duration
}

// Engine is the orchestrator for ingestion, deduplication, conflict
// handling, retrieval and maintenance over one store.
type Engine struct {
	cfg       Config
	store     Store
	embedder  *cachedEmbedder
	dedup     *DeduplicationService
	conflicts *ConflictDetector
	ingest    *IngestionPipeline
	retrieval *RetrievalPipeline
	compactor *CompactionService
	enforcer  *EnforcementEngine
	log       *zap.Logger

	cron       *gronx.Gronx
	lastSweep  time.Time
	lastCompct time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func NewEngine(cfg Config, model LanguageModel, sink ProgressSink, log *zap.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("memory db path is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.EmbedCacheSize <= 0 {
		cfg.EmbedCacheSize = 4096
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "0 * * * *"
	}
	if cfg.CompactionSchedule == "" {
		cfg.CompactionSchedule = "30 3 * * *"
	}
	if cfg.MaintenancePoll <= 0 {
		cfg.MaintenancePoll = 30 * time.Second
	}
	cron := gronx.New()
	if !cron.IsValid(cfg.SweepSchedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", cfg.SweepSchedule)
	}
	if !cron.IsValid(cfg.CompactionSchedule) {
		return nil, fmt.Errorf("invalid compaction schedule %q", cfg.CompactionSchedule)
	}
	if log == nil {
		log = zap.NewNop()
	}

	store, err := NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	embedder, err := newCachedEmbedder(model, cfg.EmbedCacheSize)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dedup := NewDeduplicationService(store, model, embedder)
	conflicts := NewConflictDetector(store, model)
	retrieval := NewRetrievalPipeline(store, embedder)
	eng := &Engine{
		cfg:       cfg,
		store:     store,
		embedder:  embedder,
		dedup:     dedup,
		conflicts: conflicts,
		ingest:    NewIngestionPipeline(store, model, embedder, dedup, conflicts, sink, log),
		retrieval: retrieval,
		compactor: NewCompactionService(store, model, log),
		enforcer:  NewEnforcementEngine(store, model, retrieval, log),
		log:       log,
		cron:      cron,
		stopCh:    make(chan struct{}),
	}

	eng.wg.Add(1)
	go eng.runMaintenance()
	return eng, nil
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.closeErr = e.store.Close()
	})
	return e.closeErr
}

// Store exposes the underlying store for direct reads.
func (e *Engine) Store() Store { return e.store }

func (e *Engine) IngestMessage(ctx context.Context, projectID, text, sourceRef, contextHint, turnID string) ([]Atom, error) {
	return e.ingest.IngestMessage(ctx, projectID, text, sourceRef, contextHint, turnID)
}

func (e *Engine) IngestDocument(ctx context.Context, projectID, text, filename, contextHint string) ([]Atom, error) {
	return e.ingest.IngestDocument(ctx, projectID, text, filename, contextHint)
}

func (e *Engine) CheckDuplicate(ctx context.Context, projectID string, cand Candidate) (DedupResult, error) {
	return e.dedup.CheckDuplicate(ctx, projectID, cand)
}

func (e *Engine) MergeIntoExisting(ctx context.Context, atomID string, cand Candidate, mergedStatement, newDetails string) (Version, error) {
	return e.dedup.MergeIntoExisting(ctx, atomID, cand, mergedStatement, newDetails)
}

func (e *Engine) DetectConflicts(ctx context.Context, projectID string, atom Atom) ([]ConflictRecord, error) {
	return e.conflicts.DetectConflicts(ctx, projectID, atom)
}

// ResolveConflict applies a user-chosen resolution and records it in the
// operations log.
func (e *Engine) ResolveConflict(ctx context.Context, atomID, action, mergedStatement, rationale string) (Atom, error) {
	atom, err := e.conflicts.ResolveConflict(ctx, atomID, action, mergedStatement, rationale)
	if err != nil {
		return Atom{}, err
	}
	if err := e.store.AppendOp(ctx, OpsEntry{
		ProjectID:  atom.ProjectID,
		Op:         OpConflict,
		EntityID:   atom.ID,
		EntityKind: "atom",
		Message:    "conflict resolved: " + action,
		Extra:      map[string]string{"action": action, "rationale": rationale},
	}); err != nil {
		return Atom{}, err
	}
	return atom, nil
}

func (e *Engine) Retrieve(ctx context.Context, projectID, query string, opts RetrievalOptions) ([]ScoredAtom, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = e.cfg.MaxResults
	}
	return e.retrieval.Retrieve(ctx, projectID, query, opts)
}

func (e *Engine) RetrieveObligations(ctx context.Context, projectID, query string, opts RetrievalOptions) ([]ScoredAtom, error) {
	return e.retrieval.RetrieveObligations(ctx, projectID, query, opts)
}

func (e *Engine) BuildContextPack(ctx context.Context, projectID, query string, maxMemories int) (ContextPack, error) {
	if maxMemories <= 0 {
		maxMemories = e.cfg.MaxResults
	}
	return e.retrieval.BuildContextPack(ctx, projectID, query, maxMemories)
}

func (e *Engine) Ledger(ctx context.Context, projectID string) (Ledger, error) {
	return e.retrieval.BuildLedger(ctx, projectID)
}

func (e *Engine) GetAtom(ctx context.Context, atomID string) (Atom, error) {
	return e.store.GetAtom(ctx, atomID)
}

func (e *Engine) ListVersions(ctx context.Context, atomID string) ([]Version, error) {
	return e.store.ListVersions(ctx, atomID)
}

func (e *Engine) OpsLog(ctx context.Context, projectID string, limit int) ([]OpsEntry, error) {
	return e.store.ListOps(ctx, projectID, limit)
}

// CreateMemory persists a manually authored atom. It passes through the
// same write gate as extracted candidates.
func (e *Engine) CreateMemory(ctx context.Context, projectID string, cand Candidate) (Atom, error) {
	if !validMemoryType(cand.Type) {
		return Atom{}, fmt.Errorf("create memory: unknown type %q", cand.Type)
	}
	if cand.Importance < minCandidateImportance {
		return Atom{}, fmt.Errorf("create memory: importance %.2f below %.2f", cand.Importance, minCandidateImportance)
	}
	if n := utf8.RuneCountInString(cand.Statement); n < minStatementRunes || n > maxStatementRunes {
		return Atom{}, fmt.Errorf("create memory: statement length %d outside [%d, %d]", n, minStatementRunes, maxStatementRunes)
	}
	durability := cand.Durability
	if durability == "" {
		durability = DurabilityDurable
	}
	if !validDurability(durability) {
		return Atom{}, fmt.Errorf("create memory: unknown durability %q", durability)
	}
	atom, err := e.store.CreateAtom(ctx, Atom{
		ProjectID:   projectID,
		Type:        cand.Type,
		ConflictKey: cand.ConflictKey,
		Importance:  cand.Importance,
		Confidence:  cand.Confidence,
		Durability:  durability,
		Status:      StatusActive,
		Entities:    cand.Entities,
	}, Version{
		Statement: cand.Statement,
		Rationale: cand.Rationale,
		Author:    AuthorUser,
	})
	if err != nil {
		return Atom{}, err
	}
	records, err := e.conflicts.DetectConflicts(ctx, projectID, atom)
	if err != nil {
		return Atom{}, err
	}
	for _, rec := range records {
		if err := appendConflictOp(ctx, e.store, projectID, atom.ID, rec); err != nil {
			return Atom{}, err
		}
	}
	return atom, nil
}

func (e *Engine) CheckViolation(ctx context.Context, projectID, message string) (ViolationResult, error) {
	return e.enforcer.CheckViolation(ctx, projectID, message)
}

func (e *Engine) CreateException(ctx context.Context, projectID, violatedID, reason, scope string, durationDays int) (Atom, error) {
	return e.enforcer.CreateException(ctx, projectID, violatedID, reason, scope, durationDays)
}

func (e *Engine) SweepExpired(ctx context.Context, projectID string) (int, error) {
	return e.store.SweepExpired(ctx, projectID, 0)
}

func (e *Engine) CompactProject(ctx context.Context, projectID string) (int, error) {
	return e.compactor.CompactProject(ctx, projectID)
}

func (e *Engine) DeleteProject(ctx context.Context, projectID string) error {
	return e.store.DeleteProject(ctx, projectID)
}

func (e *Engine) runMaintenance() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MaintenancePoll)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runDueMaintenance(time.Now())
		}
	}
}

// runDueMaintenance fires each schedule at most once per minute.
func (e *Engine) runDueMaintenance(now time.Time) {
	minute := now.Truncate(time.Minute)
	ctx := context.Background()

	if due, err := e.cron.IsDue(e.cfg.SweepSchedule, now); err == nil && due && !e.lastSweep.Equal(minute) {
		e.lastSweep = minute
		e.forEachProject(ctx, func(projectID string) {
			n, err := e.store.SweepExpired(ctx, projectID, now.UnixMilli())
			if err != nil {
				e.log.Warn("expiry sweep failed", zap.String("project_id", projectID), zap.Error(err))
				return
			}
			if n > 0 {
				e.log.Info("expired memories", zap.String("project_id", projectID), zap.Int("count", n))
			}
		})
	}

	if due, err := e.cron.IsDue(e.cfg.CompactionSchedule, now); err == nil && due && !e.lastCompct.Equal(minute) {
		e.lastCompct = minute
		e.forEachProject(ctx, func(projectID string) {
			n, err := e.compactor.CompactProject(ctx, projectID)
			if err != nil {
				e.log.Warn("compaction failed", zap.String("project_id", projectID), zap.Error(err))
				return
			}
			if n > 0 {
				e.log.Info("compacted memories", zap.String("project_id", projectID), zap.Int("count", n))
			}
		})
	}
}

func (e *Engine) forEachProject(ctx context.Context, fn func(projectID string)) {
	projects, err := e.store.ListProjects(ctx)
	if err != nil {
		e.log.Warn("list projects failed", zap.Error(err))
		return
	}
	for _, p := range projects {
		fn(p)
	}
}
