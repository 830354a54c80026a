package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Write-gate limits applied to extracted candidates before any persistence
// or dedup work.
const (
	minCandidateImportance = 0.4
	minStatementRunes      = 10
	maxStatementRunes      = 500
)

// Document extraction is bounded to the first few chunks for cost control.
const maxDocumentExtractChunks = 5

// Progress event kinds published while a pipeline runs.
const (
	EventExtracting        = "extracting"
	EventCandidatesCreated = "candidates_created"
	EventClassified        = "classified"
	EventDedupRunning      = "dedup_running"
	EventDedupFound        = "dedup_found"
	EventConflictDetected  = "conflict_detected"
	EventMemoriesSaved     = "memories_saved"
)

type extractionResult struct {
	Candidates []Candidate `json:"candidates"`
}

const extractSystemPrompt = `You extract durable project memory from text. Identify facts worth
remembering and classify each as one of: decision, commitment, constraint, preference,
goal, belief, failure, assumption, exception. For each fact emit:
- "type": the classification
- "canonical_statement": one self-contained sentence stating the fact
- "conflict_key": a short stable key grouping statements about the same subject, or ""
- "importance": 0..1, how much losing this fact would hurt
- "confidence": 0..1, how certain the text is about the fact
- "durability": "ephemeral", "session", or "durable"
- "rationale": why this is worth remembering
- "evidence_quote": a short verbatim quote from the text supporting the fact
- "entities": named things the fact mentions
Respond with JSON only: {"candidates": [...]}. Extract nothing if nothing qualifies.`

// IngestionPipeline turns raw text into deduplicated, conflict-checked
// memory atoms with cited evidence.
type IngestionPipeline struct {
	store     Store
	model     LanguageModel
	embedder  *cachedEmbedder
	dedup     *DeduplicationService
	conflicts *ConflictDetector
	sink      ProgressSink
	log       *zap.Logger
}

func NewIngestionPipeline(store Store, model LanguageModel, embedder *cachedEmbedder, dedup *DeduplicationService, conflicts *ConflictDetector, sink ProgressSink, log *zap.Logger) *IngestionPipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &IngestionPipeline{
		store:     store,
		model:     model,
		embedder:  embedder,
		dedup:     dedup,
		conflicts: conflicts,
		sink:      sink,
		log:       log,
	}
}

func (p *IngestionPipeline) publish(projectID, kind, message, turnID string, data map[string]any) {
	if p.sink == nil {
		return
	}
	p.sink.Publish(projectID, kind, message, turnID, data)
}

// IngestMessage runs the full pipeline over one message: chunk, persist
// evidence, extract candidates, gate, then resolve each candidate strictly
// in extraction order. Returns only newly created atoms; merged and
// conflicted candidates are not included. Extractor and classifier faults
// degrade to fewer results, never to an error.
func (p *IngestionPipeline) IngestMessage(ctx context.Context, projectID, text, sourceRef, contextHint, turnID string) ([]Atom, error) {
	evidence, err := p.persistChunks(ctx, projectID, text, SourceChat, sourceRef)
	if err != nil {
		return nil, err
	}

	p.publish(projectID, EventExtracting, "extracting candidates", turnID, nil)
	candidates := p.extract(ctx, text, contextHint)
	p.publish(projectID, EventCandidatesCreated, fmt.Sprintf("%d candidates", len(candidates)), turnID, map[string]any{"count": len(candidates)})

	newAtoms := []Atom{}
	merged, conflicted := 0, 0
	for _, cand := range candidates {
		if !passesWriteGate(cand) {
			continue
		}
		p.publish(projectID, EventDedupRunning, cand.Statement, turnID, nil)
		res, err := p.dedup.CheckDuplicate(ctx, projectID, cand)
		if err != nil {
			return nil, err
		}
		p.publish(projectID, EventClassified, cand.Statement, turnID, map[string]any{
			"duplicate":     res.IsDuplicate,
			"contradiction": res.IsContradiction,
		})

		switch {
		case res.IsContradiction:
			conflicted++
			p.publish(projectID, EventConflictDetected, cand.Statement, turnID, map[string]any{"existing_id": res.MatchedID})
			if err := p.store.AppendOp(ctx, OpsEntry{
				ProjectID:  projectID,
				Op:         OpConflict,
				EntityID:   res.MatchedID,
				EntityKind: "atom",
				Message:    "candidate contradicts existing memory",
				Extra:      map[string]string{"candidate": cand.Statement},
			}); err != nil {
				return nil, err
			}
		case res.IsDuplicate:
			merged++
			if _, err := p.dedup.MergeIntoExisting(ctx, res.MatchedID, cand, res.MergedStatement, res.NewDetails); err != nil {
				return nil, err
			}
			p.publish(projectID, EventDedupFound, cand.Statement, turnID, map[string]any{"merged_into": res.MatchedID})
			if err := p.store.AppendOp(ctx, OpsEntry{
				ProjectID:  projectID,
				Op:         OpDedup,
				EntityID:   res.MatchedID,
				EntityKind: "atom",
				Message:    "merged duplicate candidate",
				Extra:      map[string]string{"candidate": cand.Statement},
			}); err != nil {
				return nil, err
			}
		default:
			atom, err := p.createFromCandidate(ctx, projectID, cand, evidence)
			if err != nil {
				return nil, err
			}
			newAtoms = append(newAtoms, atom)
			records, err := p.conflicts.DetectConflicts(ctx, projectID, atom)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				p.publish(projectID, EventConflictDetected, atom.Statement, turnID, map[string]any{"other_id": rec.OtherID, "relation": rec.Relation})
				if err := p.logConflict(ctx, projectID, atom.ID, rec); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := p.store.AppendOp(ctx, OpsEntry{
		ProjectID: projectID,
		Op:        OpIngest,
		Message:   fmt.Sprintf("ingested %s: %d new, %d merged, %d conflicted", sourceRef, len(newAtoms), merged, conflicted),
		Extra:     map[string]string{"source_ref": sourceRef},
	}); err != nil {
		return nil, err
	}
	p.publish(projectID, EventMemoriesSaved, fmt.Sprintf("%d memories saved", len(newAtoms)), turnID, map[string]any{"count": len(newAtoms)})
	return newAtoms, nil
}

// IngestDocument runs extraction per chunk, bounded to the first five
// chunks. Duplicates are silently skipped rather than merged.
func (p *IngestionPipeline) IngestDocument(ctx context.Context, projectID, text, filename, contextHint string) ([]Atom, error) {
	evidence, err := p.persistChunks(ctx, projectID, text, SourceFile, filename)
	if err != nil {
		return nil, err
	}

	p.publish(projectID, EventExtracting, "extracting candidates from document", "", nil)
	candidates := []Candidate{}
	for i, ev := range evidence {
		if i >= maxDocumentExtractChunks {
			break
		}
		candidates = append(candidates, p.extract(ctx, ev.Text, contextHint)...)
	}
	p.publish(projectID, EventCandidatesCreated, fmt.Sprintf("%d candidates", len(candidates)), "", map[string]any{"count": len(candidates)})

	newAtoms := []Atom{}
	conflicted := 0
	for _, cand := range candidates {
		if !passesWriteGate(cand) {
			continue
		}
		res, err := p.dedup.CheckDuplicate(ctx, projectID, cand)
		if err != nil {
			return nil, err
		}
		switch {
		case res.IsContradiction:
			conflicted++
			if err := p.store.AppendOp(ctx, OpsEntry{
				ProjectID:  projectID,
				Op:         OpConflict,
				EntityID:   res.MatchedID,
				EntityKind: "atom",
				Message:    "document candidate contradicts existing memory",
				Extra:      map[string]string{"candidate": cand.Statement},
			}); err != nil {
				return nil, err
			}
		case res.IsDuplicate:
			// Bulk ingestion skips duplicates without a merge version.
			continue
		default:
			atom, err := p.createFromCandidate(ctx, projectID, cand, evidence)
			if err != nil {
				return nil, err
			}
			newAtoms = append(newAtoms, atom)
			records, err := p.conflicts.DetectConflicts(ctx, projectID, atom)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				if err := p.logConflict(ctx, projectID, atom.ID, rec); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := p.store.AppendOp(ctx, OpsEntry{
		ProjectID: projectID,
		Op:        OpIngest,
		Message:   fmt.Sprintf("ingested document %s: %d new, %d conflicted", filename, len(newAtoms), conflicted),
		Extra:     map[string]string{"source_ref": filename},
	}); err != nil {
		return nil, err
	}
	p.publish(projectID, EventMemoriesSaved, fmt.Sprintf("%d memories saved", len(newAtoms)), "", map[string]any{"count": len(newAtoms)})
	return newAtoms, nil
}

// persistChunks stores every chunk of the text as evidence. Embedding
// failures persist the chunk with a nil vector rather than aborting.
func (p *IngestionPipeline) persistChunks(ctx context.Context, projectID, text string, source SourceType, sourceRef string) ([]Evidence, error) {
	chunks := ChunkText(text)
	vecs := p.embedder.Many(ctx, chunks)

	out := make([]Evidence, 0, len(chunks))
	for i, chunk := range chunks {
		ev, err := p.store.PutEvidence(ctx, Evidence{
			ProjectID:  projectID,
			Source:     source,
			SourceRef:  sourceRef,
			Text:       chunk,
			Embedding:  vecs[i],
			ChunkIndex: i,
			TokenCount: EstimateTokens(chunk),
		})
		if err != nil {
			return nil, fmt.Errorf("persist chunk %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// extract invokes the extraction capability. Faults read as zero candidates.
func (p *IngestionPipeline) extract(ctx context.Context, text, contextHint string) []Candidate {
	prompt := text
	if strings.TrimSpace(contextHint) != "" {
		prompt = "Project context:\n" + contextHint + "\n\nText:\n" + text
	}
	var result extractionResult
	if err := p.model.ExtractStructured(ctx, prompt, extractSystemPrompt, &result); err != nil {
		p.log.Debug("candidate extraction failed", zap.Error(err))
		return nil
	}
	out := make([]Candidate, 0, len(result.Candidates))
	for _, cand := range result.Candidates {
		if !validMemoryType(cand.Type) || strings.TrimSpace(cand.Statement) == "" {
			continue
		}
		out = append(out, cand)
	}
	return out
}

func validMemoryType(t MemoryType) bool {
	switch t {
	case TypeDecision, TypeCommitment, TypeConstraint, TypePreference,
		TypeGoal, TypeBelief, TypeFailure, TypeAssumption, TypeException:
		return true
	}
	return false
}

func validDurability(d Durability) bool {
	switch d {
	case DurabilityEphemeral, DurabilitySession, DurabilityDurable:
		return true
	}
	return false
}

func passesWriteGate(cand Candidate) bool {
	if cand.Importance < minCandidateImportance {
		return false
	}
	n := utf8.RuneCountInString(cand.Statement)
	return n >= minStatementRunes && n <= maxStatementRunes
}

func (p *IngestionPipeline) createFromCandidate(ctx context.Context, projectID string, cand Candidate, evidence []Evidence) (Atom, error) {
	// The extractor is untrusted output; coerce anything off-enum.
	durability := cand.Durability
	if !validDurability(durability) {
		durability = DurabilityDurable
	}
	atom, err := p.store.CreateAtom(ctx, Atom{
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
		return Atom{}, fmt.Errorf("create atom from candidate: %w", err)
	}

	if len(evidence) > 0 {
		// Attach the quote to the chunk that contains it verbatim,
		// defaulting to the first chunk.
		target := evidence[0]
		if q := strings.TrimSpace(cand.Quote); q != "" {
			for _, ev := range evidence {
				if strings.Contains(ev.Text, q) {
					target = ev
					break
				}
			}
		}
		if err := p.store.LinkEvidence(ctx, EvidenceLink{
			AtomID:     atom.ID,
			EvidenceID: target.ID,
			Quote:      cand.Quote,
			Confidence: cand.Confidence,
		}); err != nil {
			return Atom{}, fmt.Errorf("link evidence: %w", err)
		}
	}
	return atom, nil
}

func (p *IngestionPipeline) logConflict(ctx context.Context, projectID, atomID string, rec ConflictRecord) error {
	return appendConflictOp(ctx, p.store, projectID, atomID, rec)
}

// appendConflictOp writes one pipeline-level conflict entry; both ingestion
// and manual creation record detections through it.
func appendConflictOp(ctx context.Context, store Store, projectID, atomID string, rec ConflictRecord) error {
	return store.AppendOp(ctx, OpsEntry{
		ProjectID:  projectID,
		Op:         OpConflict,
		EntityID:   atomID,
		EntityKind: "atom",
		Message:    rec.Explanation,
		Extra: map[string]string{
			"other_id": rec.OtherID,
			"relation": rec.Relation,
			"action":   rec.Action,
		},
	})
}
