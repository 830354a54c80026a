package memory

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	contradictionScanThreshold = 0.5
	duplicateAcceptThreshold   = 0.85
	duplicateConfirmThreshold  = 0.7
)

// cachedEmbedder memoizes text embeddings so repeated dedup and retrieval
// passes over the same statements do not re-call the embedding capability.
// Failures degrade to nil vectors; callers treat those as similarity 0.
type cachedEmbedder struct {
	model LanguageModel
	cache *lru.Cache[string, []float32]
}

func newCachedEmbedder(model LanguageModel, size int) (*cachedEmbedder, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &cachedEmbedder{model: model, cache: cache}, nil
}

// One returns the embedding for a single text, or nil when embedding fails.
func (e *cachedEmbedder) One(ctx context.Context, text string) []float32 {
	vecs := e.Many(ctx, []string{text})
	if len(vecs) == 0 {
		return nil
	}
	return vecs[0]
}

// Many returns one vector per input text, order-preserving, batching cache
// misses into a single capability call. A failed batch yields nil entries
// for the misses rather than an error.
func (e *cachedEmbedder) Many(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	missIdx := []int{}
	missTexts := []string{}
	for i, t := range texts {
		if vec, ok := e.cache.Get(t); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out
	}

	vecs, err := e.model.Embed(ctx, missTexts)
	if err != nil || len(vecs) != len(missTexts) {
		return out
	}
	for j, i := range missIdx {
		if len(vecs[j]) == 0 {
			continue
		}
		out[i] = vecs[j]
		e.cache.Add(missTexts[j], vecs[j])
	}
	return out
}

// dedupVerdict is the structured output of the duplicate/contradiction
// classifier.
type dedupVerdict struct {
	IsDuplicate     bool   `json:"is_duplicate"`
	IsContradiction bool   `json:"is_contradiction"`
	MergedStatement string `json:"merged_statement"`
	NewDetails      string `json:"new_details"`
}

const dedupSystemPrompt = `You compare two memory statements from the same project.
Decide whether the new statement duplicates the existing one (same fact, possibly
with extra detail) or contradicts it (they cannot both hold). If duplicate,
propose a single merged statement preserving all detail, and summarize what the
new statement adds in new_details. Respond with JSON only:
{"is_duplicate": bool, "is_contradiction": bool, "merged_statement": "...", "new_details": "..."}`

// DeduplicationService decides whether a candidate fact is novel, a
// duplicate of an existing atom, or a contradiction of one.
type DeduplicationService struct {
	store    Store
	model    LanguageModel
	embedder *cachedEmbedder
}

func NewDeduplicationService(store Store, model LanguageModel, embedder *cachedEmbedder) *DeduplicationService {
	return &DeduplicationService{store: store, model: model, embedder: embedder}
}

// CheckDuplicate compares a candidate against the project's active and
// disputed atoms. The contradiction scan runs first across all types; a
// contradiction can span types, so it is not scoped the way the duplicate
// check is. Classifier faults never fail the check; they read as
// "not duplicate, not contradiction".
func (d *DeduplicationService) CheckDuplicate(ctx context.Context, projectID string, cand Candidate) (DedupResult, error) {
	existing, err := d.store.ListAtoms(ctx, projectID, []Status{StatusActive, StatusDisputed}, nil)
	if err != nil {
		return DedupResult{}, fmt.Errorf("dedup list atoms: %w", err)
	}
	if len(existing) == 0 {
		return DedupResult{}, nil
	}

	texts := make([]string, 0, len(existing)+1)
	texts = append(texts, cand.Statement)
	for _, a := range existing {
		texts = append(texts, a.Statement)
	}
	vecs := d.embedder.Many(ctx, texts)
	candVec := vecs[0]
	atomVecs := vecs[1:]

	// Contradiction pass over every type. Return on the first hit; later
	// candidates in the same ingestion are not checked against this one.
	for i, a := range existing {
		sim := CosineSimilarity(candVec, atomVecs[i])
		if sim < contradictionScanThreshold {
			continue
		}
		verdict, err := d.classify(ctx, a.Statement, cand.Statement)
		if err != nil {
			continue
		}
		if verdict.IsContradiction {
			return DedupResult{IsContradiction: true, MatchedID: a.ID}, nil
		}
	}

	// Duplicate pass, same type only.
	for i, a := range existing {
		if a.Type != cand.Type {
			continue
		}
		sim := CosineSimilarity(candVec, atomVecs[i])
		if sim < duplicateConfirmThreshold {
			continue
		}
		verdict, err := d.classify(ctx, a.Statement, cand.Statement)
		if err != nil {
			continue
		}
		if sim >= duplicateAcceptThreshold || verdict.IsDuplicate {
			return DedupResult{
				IsDuplicate:     true,
				MatchedID:       a.ID,
				MergedStatement: verdict.MergedStatement,
				NewDetails:      verdict.NewDetails,
			}, nil
		}
	}

	return DedupResult{}, nil
}

func (d *DeduplicationService) classify(ctx context.Context, existing, candidate string) (dedupVerdict, error) {
	prompt := fmt.Sprintf("Existing statement:\n%s\n\nNew statement:\n%s", existing, candidate)
	var verdict dedupVerdict
	if err := d.model.ExtractStructured(ctx, prompt, dedupSystemPrompt, &verdict); err != nil {
		return dedupVerdict{}, fmt.Errorf("%w: dedup classify: %v", ErrExternalCapability, err)
	}
	return verdict, nil
}

const mergeSystemPrompt = `Combine two statements of the same fact into one statement
that preserves every detail from both. Respond with the merged statement only, no
commentary.`

// MergeIntoExisting appends a system-authored merged version to the matched
// atom and raises its importance and confidence to the max of old and new.
// When no merged statement was computed during matching, the merge
// capability is asked; if it fails, the candidate's raw statement wins.
func (d *DeduplicationService) MergeIntoExisting(ctx context.Context, atomID string, cand Candidate, mergedStatement, newDetails string) (Version, error) {
	atom, err := d.store.GetAtom(ctx, atomID)
	if err != nil {
		return Version{}, err
	}

	merged := strings.TrimSpace(mergedStatement)
	if merged == "" {
		prompt := fmt.Sprintf("Statement A:\n%s\n\nStatement B:\n%s", atom.Statement, cand.Statement)
		out, genErr := d.model.Generate(ctx, prompt, mergeSystemPrompt, 512, 0)
		if genErr == nil && strings.TrimSpace(out) != "" {
			merged = strings.TrimSpace(out)
		} else {
			merged = cand.Statement
		}
	}

	rationale := strings.TrimSpace(newDetails)
	if rationale == "" {
		rationale = "merged duplicate candidate"
	}
	v, err := d.store.AppendVersion(ctx, atomID, merged, rationale, AuthorSystem)
	if err != nil {
		return Version{}, fmt.Errorf("merge append version: %w", err)
	}

	importance := atom.Importance
	if cand.Importance > importance {
		importance = cand.Importance
	}
	confidence := atom.Confidence
	if cand.Confidence > confidence {
		confidence = cand.Confidence
	}
	if importance != atom.Importance || confidence != atom.Confidence {
		if err := d.store.SetGovernance(ctx, atomID, importance, confidence); err != nil {
			return Version{}, fmt.Errorf("merge governance: %w", err)
		}
	}
	return v, nil
}
