package memory

import (
	"context"
	"fmt"
	"strings"
)

// Pairwise relations reported by the conflict classifier.
const (
	conflictConsistent    = "consistent"
	conflictContradiction = "contradiction"
	conflictRefinement    = "refinement"
)

// Recommended actions for a contradiction.
const (
	ActionMarkDisputed       = "mark_disputed"
	ActionPreferNewer        = "prefer_newer"
	ActionPreferHigherConfid = "prefer_higher_confidence"
)

// Resolution actions for user-triggered conflict resolution.
const (
	ResolveKeepNew  = "keep_new"
	ResolveKeepOld  = "keep_old"
	ResolveKeepBoth = "keep_both"
	ResolveMerge    = "merge"
)

type conflictVerdict struct {
	Relation    string `json:"relation"`
	Action      string `json:"action"`
	Explanation string `json:"explanation"`
}

const conflictSystemPrompt = `You compare two memory statements that share a conflict key.
Classify their relation: "consistent" (both can hold), "contradiction" (they cannot
both hold), or "refinement" (the new statement narrows or extends the existing one).
For a contradiction, recommend an action: "mark_disputed" (unclear which is right),
"prefer_newer" (the newer statement clearly replaces the older), or
"prefer_higher_confidence" (keep whichever side is better supported). Respond with
JSON only: {"relation": "...", "action": "...", "explanation": "..."}`

// ConflictDetector finds contradictions among atoms sharing a conflict key
// and applies the classifier's recommended action.
type ConflictDetector struct {
	store Store
	model LanguageModel
}

func NewConflictDetector(store Store, model LanguageModel) *ConflictDetector {
	return &ConflictDetector{store: store, model: model}
}

// DetectConflicts checks a newly persisted atom against every other active
// atom with the same conflict key. Contradictions get a contradicts edge and
// the recommended status changes; refinements get a derived_from edge only.
// Classifier faults skip the pair; detection never fails the ingestion that
// triggered it. Returned records are for audit logging by the caller.
func (c *ConflictDetector) DetectConflicts(ctx context.Context, projectID string, atom Atom) ([]ConflictRecord, error) {
	if strings.TrimSpace(atom.ConflictKey) == "" {
		return nil, nil
	}
	others, err := c.store.ListAtomsByConflictKey(ctx, projectID, atom.ConflictKey, atom.ID)
	if err != nil {
		return nil, fmt.Errorf("conflict list atoms: %w", err)
	}

	records := []ConflictRecord{}
	for _, other := range others {
		if other.Status != StatusActive {
			continue
		}
		verdict, err := c.classify(ctx, other.Statement, atom.Statement)
		if err != nil {
			continue
		}
		switch verdict.Relation {
		case conflictContradiction:
			if err := c.store.AddEdge(ctx, Edge{FromID: atom.ID, ToID: other.ID, Relation: RelContradicts}); err != nil {
				return records, fmt.Errorf("conflict contradicts edge: %w", err)
			}
			if err := c.applyAction(ctx, atom, other, verdict.Action); err != nil {
				return records, err
			}
			records = append(records, ConflictRecord{
				OtherID:        other.ID,
				OtherStatement: other.Statement,
				Relation:       conflictContradiction,
				Action:         verdict.Action,
				Explanation:    verdict.Explanation,
			})
		case conflictRefinement:
			if err := c.store.AddEdge(ctx, Edge{FromID: atom.ID, ToID: other.ID, Relation: RelDerivedFrom}); err != nil {
				return records, fmt.Errorf("conflict derived_from edge: %w", err)
			}
			records = append(records, ConflictRecord{
				OtherID:        other.ID,
				OtherStatement: other.Statement,
				Relation:       conflictRefinement,
				Explanation:    verdict.Explanation,
			})
		}
	}
	return records, nil
}

func (c *ConflictDetector) classify(ctx context.Context, existing, newer string) (conflictVerdict, error) {
	prompt := fmt.Sprintf("Existing statement:\n%s\n\nNew statement:\n%s", existing, newer)
	var verdict conflictVerdict
	if err := c.model.ExtractStructured(ctx, prompt, conflictSystemPrompt, &verdict); err != nil {
		return conflictVerdict{}, fmt.Errorf("%w: conflict classify: %v", ErrExternalCapability, err)
	}
	return verdict, nil
}

func (c *ConflictDetector) applyAction(ctx context.Context, newAtom, oldAtom Atom, action string) error {
	switch action {
	case ActionPreferNewer:
		loser, winner := oldAtom, newAtom
		if oldAtom.CreatedAtMS > newAtom.CreatedAtMS {
			loser, winner = newAtom, oldAtom
		}
		return c.supersede(ctx, winner, loser)
	case ActionPreferHigherConfid:
		// Ties favor the new atom.
		loser, winner := oldAtom, newAtom
		if oldAtom.Confidence > newAtom.Confidence {
			loser, winner = newAtom, oldAtom
		}
		return c.supersede(ctx, winner, loser)
	default:
		// mark_disputed, and any action the classifier invents.
		if err := c.store.SetStatus(ctx, newAtom.ID, StatusDisputed, "contradicts "+oldAtom.ID); err != nil {
			return fmt.Errorf("conflict mark disputed: %w", err)
		}
		if err := c.store.SetStatus(ctx, oldAtom.ID, StatusDisputed, "contradicted by "+newAtom.ID); err != nil {
			return fmt.Errorf("conflict mark disputed: %w", err)
		}
		return nil
	}
}

func (c *ConflictDetector) supersede(ctx context.Context, winner, loser Atom) error {
	if err := c.store.SetStatus(ctx, loser.ID, StatusSuperseded, "superseded by "+winner.ID); err != nil {
		return fmt.Errorf("conflict supersede: %w", err)
	}
	if err := c.store.AddEdge(ctx, Edge{FromID: winner.ID, ToID: loser.ID, Relation: RelSupersedes}); err != nil {
		return fmt.Errorf("conflict supersedes edge: %w", err)
	}
	return nil
}

// ResolveConflict applies a user-chosen resolution to a disputed atom and
// returns the updated atom. Unknown atom ids surface ErrNotFound.
func (c *ConflictDetector) ResolveConflict(ctx context.Context, atomID, action, mergedStatement, rationale string) (Atom, error) {
	if _, err := c.store.GetAtom(ctx, atomID); err != nil {
		return Atom{}, err
	}

	switch action {
	case ResolveKeepNew:
		edges, err := c.store.ListEdgesFrom(ctx, atomID, RelContradicts)
		if err != nil {
			return Atom{}, fmt.Errorf("resolve list edges: %w", err)
		}
		for _, e := range edges {
			if err := c.store.SetStatus(ctx, e.ToID, StatusSuperseded, "resolved: keep "+atomID); err != nil {
				return Atom{}, fmt.Errorf("resolve supersede %s: %w", e.ToID, err)
			}
		}
		if err := c.store.SetStatus(ctx, atomID, StatusActive, rationale); err != nil {
			return Atom{}, err
		}
	case ResolveKeepOld:
		if err := c.store.SetStatus(ctx, atomID, StatusSuperseded, rationale); err != nil {
			return Atom{}, err
		}
	case ResolveKeepBoth:
		if err := c.store.SetStatus(ctx, atomID, StatusActive, rationale); err != nil {
			return Atom{}, err
		}
	case ResolveMerge:
		if strings.TrimSpace(mergedStatement) == "" {
			return Atom{}, fmt.Errorf("resolve conflict: merge requires a merged statement")
		}
		if _, err := c.store.AppendVersion(ctx, atomID, mergedStatement, rationale, AuthorUser); err != nil {
			return Atom{}, err
		}
		if err := c.store.SetStatus(ctx, atomID, StatusActive, rationale); err != nil {
			return Atom{}, err
		}
	default:
		return Atom{}, fmt.Errorf("resolve conflict: unknown action %q", action)
	}

	return c.store.GetAtom(ctx, atomID)
}
