package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Compaction folds stale failures and assumptions into milestone summaries
// so long-lived projects do not accumulate unbounded low-value atoms.
const (
	compactionMinAgeDays   = 30
	compactionMinGroupSize = 2
)

const compactionSystemPrompt = `Summarize the following related memory statements into one
concise statement that preserves the durable lesson. Respond with the summary
statement only, no commentary.`

type CompactionService struct {
	store Store
	model LanguageModel
	log   *zap.Logger
}

func NewCompactionService(store Store, model LanguageModel, log *zap.Logger) *CompactionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &CompactionService{store: store, model: model, log: log}
}

// CompactProject groups active failures and assumptions older than thirty
// days by conflict key, writes one system-authored milestone atom per group
// of two or more, and supersedes the members. Returns the number of atoms
// folded into milestones.
func (c *CompactionService) CompactProject(ctx context.Context, projectID string) (int, error) {
	atoms, err := c.store.ListAtoms(ctx, projectID, []Status{StatusActive}, []MemoryType{TypeFailure, TypeAssumption})
	if err != nil {
		return 0, fmt.Errorf("compact list atoms: %w", err)
	}

	cutoff := nowMS() - int64(compactionMinAgeDays)*24*60*60*1000
	groups := map[string][]Atom{}
	for _, atom := range atoms {
		if atom.CreatedAtMS > cutoff || strings.TrimSpace(atom.ConflictKey) == "" {
			continue
		}
		key := string(atom.Type) + "|" + atom.ConflictKey
		groups[key] = append(groups[key], atom)
	}

	compacted := 0
	for _, group := range groups {
		if len(group) < compactionMinGroupSize {
			continue
		}
		milestone, err := c.compactGroup(ctx, projectID, group)
		if err != nil {
			return compacted, err
		}
		c.log.Info("compacted memory group",
			zap.String("project_id", projectID),
			zap.String("milestone_id", milestone.ID),
			zap.Int("members", len(group)))
		compacted += len(group)
	}
	return compacted, nil
}

func (c *CompactionService) compactGroup(ctx context.Context, projectID string, group []Atom) (Atom, error) {
	statement := c.summarize(ctx, group)

	// Importance keeps the group max; confidence averages. The milestone's
	// validity window spans the members' creation range, marking the period
	// it summarizes.
	importance, confidenceSum := 0.0, 0.0
	spanStart, spanEnd := group[0].CreatedAtMS, group[0].CreatedAtMS
	entities := []string{}
	seenEntity := map[string]struct{}{}
	for _, atom := range group {
		if atom.Importance > importance {
			importance = atom.Importance
		}
		confidenceSum += atom.Confidence
		if atom.CreatedAtMS < spanStart {
			spanStart = atom.CreatedAtMS
		}
		if atom.CreatedAtMS > spanEnd {
			spanEnd = atom.CreatedAtMS
		}
		for _, e := range atom.Entities {
			if _, ok := seenEntity[e]; ok {
				continue
			}
			seenEntity[e] = struct{}{}
			entities = append(entities, e)
		}
	}

	milestone, err := c.store.CreateAtom(ctx, Atom{
		ProjectID:   projectID,
		Type:        group[0].Type,
		ConflictKey: group[0].ConflictKey,
		Importance:  importance,
		Confidence:  confidenceSum / float64(len(group)),
		Durability:  DurabilityDurable,
		Status:      StatusActive,
		ValidFromMS: spanStart,
		ValidToMS:   spanEnd,
		Entities:    entities,
	}, Version{
		Statement: statement,
		Rationale: fmt.Sprintf("compacted %d memories", len(group)),
		Author:    AuthorSystem,
	})
	if err != nil {
		return Atom{}, fmt.Errorf("compact create milestone: %w", err)
	}

	memberIDs := make([]string, 0, len(group))
	for _, atom := range group {
		if err := c.store.AddEdge(ctx, Edge{FromID: milestone.ID, ToID: atom.ID, Relation: RelSupersedes}); err != nil {
			return Atom{}, fmt.Errorf("compact supersedes edge: %w", err)
		}
		if err := c.store.SetStatus(ctx, atom.ID, StatusSuperseded, "compacted into "+milestone.ID); err != nil {
			return Atom{}, fmt.Errorf("compact supersede member: %w", err)
		}
		memberIDs = append(memberIDs, atom.ID)
	}

	if err := c.store.AppendOp(ctx, OpsEntry{
		ProjectID:  projectID,
		Op:         OpCompaction,
		EntityID:   milestone.ID,
		EntityKind: "atom",
		Message:    fmt.Sprintf("compacted %d memories into milestone", len(group)),
		Extra:      map[string]string{"members": strings.Join(memberIDs, ",")},
	}); err != nil {
		return Atom{}, err
	}
	return milestone, nil
}

// summarize asks the generation capability for a milestone statement and
// falls back to concatenating member statements when it fails.
func (c *CompactionService) summarize(ctx context.Context, group []Atom) string {
	var sb strings.Builder
	for _, atom := range group {
		sb.WriteString("- ")
		sb.WriteString(atom.Statement)
		sb.WriteString("\n")
	}
	out, err := c.model.Generate(ctx, sb.String(), compactionSystemPrompt, 512, 0)
	if err == nil && strings.TrimSpace(out) != "" {
		return strings.TrimSpace(out)
	}

	statements := make([]string, 0, len(group))
	for _, atom := range group {
		statements = append(statements, atom.Statement)
	}
	fallback := "Recurring pattern: " + strings.Join(statements, "; ")
	if utf8.RuneCountInString(fallback) > maxStatementRunes {
		runes := []rune(fallback)
		fallback = string(runes[:maxStatementRunes])
	}
	return fallback
}
