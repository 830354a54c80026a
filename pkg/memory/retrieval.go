package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Scoring weights. Semantic similarity dominates; importance and recency
// carry equal secondary weight.
const (
	weightSimilarity = 0.40
	weightImportance = 0.20
	weightRecency    = 0.20
	weightConfidence = 0.10
	weightTypeBoost  = 0.10

	recencyHalfLifeDays = 30.0
	disputedPenalty     = 0.7

	defaultMaxResults  = 10
	diversitySourceCap = 3
	diversityDayCap    = 3
)

// Binding obligations rank highest; exceptions are situational and rank last.
var typeBoosts = map[MemoryType]float64{
	TypeCommitment: 1.0,
	TypeConstraint: 1.0,
	TypeDecision:   0.9,
	TypeGoal:       0.8,
	TypeFailure:    0.7,
	TypeAssumption: 0.6,
	TypePreference: 0.5,
	TypeBelief:     0.4,
	TypeException:  0.3,
}

// RetrievalPipeline ranks a project's memories against a free-text query
// and selects a bounded, diverse subset.
type RetrievalPipeline struct {
	store    Store
	embedder *cachedEmbedder
}

func NewRetrievalPipeline(store Store, embedder *cachedEmbedder) *RetrievalPipeline {
	return &RetrievalPipeline{store: store, embedder: embedder}
}

// Retrieve scores every matching atom, sorts descending, then greedily
// selects under two diversity caps: at most three results sharing a primary
// evidence source and at most three sharing a creation day. Atoms breaking
// a cap are skipped, not re-ranked.
func (r *RetrievalPipeline) Retrieve(ctx context.Context, projectID, query string, opts RetrievalOptions) ([]ScoredAtom, error) {
	scored, err := r.scoreCandidates(ctx, projectID, query, opts)
	if err != nil {
		return nil, err
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	bySource := map[string]int{}
	byDay := map[string]int{}
	out := make([]ScoredAtom, 0, maxResults)
	for _, sa := range scored {
		if len(out) >= maxResults {
			break
		}
		sourceKey, err := r.primaryEvidenceID(ctx, sa.Atom.ID)
		if err != nil {
			return nil, err
		}
		dayKey := time.UnixMilli(sa.Atom.CreatedAtMS).UTC().Format("2006-01-02")
		if sourceKey != "" && bySource[sourceKey] >= diversitySourceCap {
			continue
		}
		if byDay[dayKey] >= diversityDayCap {
			continue
		}
		if sourceKey != "" {
			bySource[sourceKey]++
		}
		byDay[dayKey]++
		out = append(out, sa)
	}
	return out, nil
}

// RetrieveObligations is the narrower companion retrieval: commitments and
// constraints only, scored and sorted but with no diversity caps, so
// enforcement logic sees the complete view of binding obligations.
func (r *RetrievalPipeline) RetrieveObligations(ctx context.Context, projectID, query string, opts RetrievalOptions) ([]ScoredAtom, error) {
	opts.Types = []MemoryType{TypeCommitment, TypeConstraint}
	scored, err := r.scoreCandidates(ctx, projectID, query, opts)
	if err != nil {
		return nil, err
	}
	if opts.MaxResults > 0 && len(scored) > opts.MaxResults {
		scored = scored[:opts.MaxResults]
	}
	return scored, nil
}

func (r *RetrievalPipeline) scoreCandidates(ctx context.Context, projectID, query string, opts RetrievalOptions) ([]ScoredAtom, error) {
	statuses := []Status{StatusActive}
	if opts.IncludeDisputed {
		statuses = append(statuses, StatusDisputed)
	}
	atoms, err := r.store.ListAtoms(ctx, projectID, statuses, opts.Types)
	if err != nil {
		return nil, fmt.Errorf("retrieve list atoms: %w", err)
	}
	if len(atoms) == 0 {
		return nil, nil
	}

	now := opts.NowMS
	if now == 0 {
		now = nowMS()
	}
	queryVec := r.embedder.One(ctx, query)

	scored := make([]ScoredAtom, 0, len(atoms))
	for _, atom := range atoms {
		sim, err := r.similarity(ctx, queryVec, query, atom)
		if err != nil {
			return nil, err
		}
		score := weightSimilarity*sim +
			weightImportance*atom.Importance +
			weightRecency*recency(atom.CreatedAtMS, now) +
			weightConfidence*atom.Confidence +
			weightTypeBoost*typeBoosts[atom.Type]
		if atom.Status == StatusDisputed {
			score *= disputedPenalty
		}
		scored = append(scored, ScoredAtom{Atom: atom, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored, nil
}

// similarity is the maximum cosine similarity between the query embedding
// and any linked evidence embedding. With no embedding on either side it
// falls back to normalized keyword overlap against the statement.
func (r *RetrievalPipeline) similarity(ctx context.Context, queryVec []float32, query string, atom Atom) (float64, error) {
	evidence, err := r.store.ListAtomEvidence(ctx, atom.ID)
	if err != nil {
		return 0, fmt.Errorf("retrieve atom evidence: %w", err)
	}

	if len(queryVec) > 0 {
		best := 0.0
		found := false
		for _, ev := range evidence {
			if len(ev.Embedding) == 0 {
				continue
			}
			found = true
			if sim := CosineSimilarity(queryVec, ev.Embedding); sim > best {
				best = sim
			}
		}
		if found {
			return best, nil
		}
	}
	return keywordOverlap(query, atom.Statement), nil
}

func (r *RetrievalPipeline) primaryEvidenceID(ctx context.Context, atomID string) (string, error) {
	links, err := r.store.ListEvidenceLinks(ctx, atomID)
	if err != nil {
		return "", fmt.Errorf("retrieve evidence links: %w", err)
	}
	if len(links) == 0 {
		return "", nil
	}
	return links[0].EvidenceID, nil
}

func recency(createdAtMS, nowAtMS int64) float64 {
	ageDays := float64(nowAtMS-createdAtMS) / (24 * 60 * 60 * 1000)
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / recencyHalfLifeDays)
}

func keywordOverlap(query, statement string) float64 {
	queryTokens := strings.Fields(strings.ToLower(query))
	if len(queryTokens) == 0 {
		return 0
	}
	statementTokens := map[string]struct{}{}
	for _, t := range strings.Fields(strings.ToLower(statement)) {
		statementTokens[t] = struct{}{}
	}
	overlap := 0
	for _, t := range queryTokens {
		if _, ok := statementTokens[t]; ok {
			overlap++
		}
	}
	score := float64(overlap) / float64(len(queryTokens))
	if score > 1 {
		score = 1
	}
	return score
}

// BuildContextPack assembles the grouped retrieval output handed to
// response generation: diversified memories grouped by type, the complete
// obligations view, and the flat id list of everything included.
func (r *RetrievalPipeline) BuildContextPack(ctx context.Context, projectID, query string, maxMemories int) (ContextPack, error) {
	ranked, err := r.Retrieve(ctx, projectID, query, RetrievalOptions{MaxResults: maxMemories})
	if err != nil {
		return ContextPack{}, err
	}
	obligations, err := r.RetrieveObligations(ctx, projectID, query, RetrievalOptions{})
	if err != nil {
		return ContextPack{}, err
	}

	pack := ContextPack{ByType: map[MemoryType][]ScoredAtom{}}
	seen := map[string]struct{}{}
	for _, sa := range ranked {
		pack.ByType[sa.Atom.Type] = append(pack.ByType[sa.Atom.Type], sa)
		if _, ok := seen[sa.Atom.ID]; !ok {
			seen[sa.Atom.ID] = struct{}{}
			pack.MemoryIDs = append(pack.MemoryIDs, sa.Atom.ID)
		}
	}
	for _, sa := range obligations {
		pack.Commitments = append(pack.Commitments, sa.Atom)
		if _, ok := seen[sa.Atom.ID]; !ok {
			seen[sa.Atom.ID] = struct{}{}
			pack.MemoryIDs = append(pack.MemoryIDs, sa.Atom.ID)
		}
	}
	return pack, nil
}

// BuildLedger summarizes a project's memory grouped by type, across every
// lifecycle status.
func (r *RetrievalPipeline) BuildLedger(ctx context.Context, projectID string) (Ledger, error) {
	atoms, err := r.store.ListAtoms(ctx, projectID, nil, nil)
	if err != nil {
		return Ledger{}, fmt.Errorf("ledger list atoms: %w", err)
	}
	ledger := Ledger{ByType: map[MemoryType][]Atom{}}
	for _, atom := range atoms {
		ledger.ByType[atom.Type] = append(ledger.ByType[atom.Type], atom)
		ledger.TotalCount++
		switch atom.Status {
		case StatusActive:
			ledger.ActiveCount++
		case StatusDisputed:
			ledger.DisputedCount++
		}
	}
	return ledger, nil
}
