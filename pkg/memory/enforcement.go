package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Exception scopes map onto durability classes.
const (
	ScopeThisInstance = "this_instance"
	ScopeThisSession  = "this_session"
	ScopePermanent    = "permanent"
)

const violationSystemPrompt = `You check whether a proposed action violates a project's existing
commitments, constraints, or decisions. A violation occurs when a commitment is
being broken, a constraint is being ignored, or a past decision is being
contradicted without acknowledgment. Be strict about commitments and
constraints, lenient about everything else. Cite the specific memory ids that
would be violated. Respond with JSON only:
{"violated": true|false, "violated_memory_ids": [...], "explanation": "...",
"severity": "high|medium|low", "suggested_response": "challenge|warn|allow",
"challenge_message": "..."}`

// ViolationResult reports whether a message conflicts with the project's
// standing obligations and how the caller should respond.
type ViolationResult struct {
	Violated          bool     `json:"violated"`
	ViolatedMemoryIDs []string `json:"violated_memory_ids"`
	Explanation       string   `json:"explanation"`
	Severity          string   `json:"severity"`
	SuggestedResponse string   `json:"suggested_response"`
	ChallengeMessage  string   `json:"challenge_message"`
}

// EnforcementEngine checks proposed actions against active commitments,
// constraints, and decisions, and records granted exceptions as scoped,
// optionally time-bounded exception atoms.
type EnforcementEngine struct {
	store     Store
	model     LanguageModel
	retrieval *RetrievalPipeline
	log       *zap.Logger
}

func NewEnforcementEngine(store Store, model LanguageModel, retrieval *RetrievalPipeline, log *zap.Logger) *EnforcementEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &EnforcementEngine{store: store, model: model, retrieval: retrieval, log: log}
}

// CheckViolation classifies a message against the project's obligations and
// decisions. A detected violation is written to the operations log. A
// classifier fault degrades to no violation, never to an error.
func (e *EnforcementEngine) CheckViolation(ctx context.Context, projectID, message string) (ViolationResult, error) {
	obligations, err := e.retrieval.RetrieveObligations(ctx, projectID, message, RetrievalOptions{})
	if err != nil {
		return ViolationResult{}, fmt.Errorf("enforcement obligations: %w", err)
	}
	decisions, err := e.store.ListAtoms(ctx, projectID, []Status{StatusActive}, []MemoryType{TypeDecision})
	if err != nil {
		return ViolationResult{}, fmt.Errorf("enforcement decisions: %w", err)
	}
	if len(obligations) == 0 && len(decisions) == 0 {
		return ViolationResult{}, nil
	}

	var sb strings.Builder
	sb.WriteString("Check if this message violates any existing memories.\n\nMessage:\n")
	sb.WriteString(message)
	sb.WriteString("\n\nActive commitments and constraints:\n")
	if len(obligations) == 0 {
		sb.WriteString("none\n")
	}
	for _, scored := range obligations {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", scored.Atom.ID, strings.ToUpper(string(scored.Atom.Type)), scored.Atom.Statement)
	}
	sb.WriteString("\nActive decisions:\n")
	if len(decisions) == 0 {
		sb.WriteString("none\n")
	}
	for _, atom := range decisions {
		fmt.Fprintf(&sb, "[%s] %s\n", atom.ID, atom.Statement)
	}

	var result ViolationResult
	if err := e.model.ExtractStructured(ctx, sb.String(), violationSystemPrompt, &result); err != nil {
		e.log.Warn("violation check failed", zap.String("project_id", projectID), zap.Error(err))
		return ViolationResult{}, nil
	}
	if !result.Violated {
		return result, nil
	}

	if err := e.store.AppendOp(ctx, OpsEntry{
		ProjectID:  projectID,
		Op:         OpViolationDetected,
		EntityID:   strings.Join(result.ViolatedMemoryIDs, ","),
		EntityKind: "atom",
		Message:    result.Explanation,
		Extra: map[string]string{
			"severity": result.Severity,
			"response": result.SuggestedResponse,
		},
	}); err != nil {
		return ViolationResult{}, err
	}
	return result, nil
}

// CreateException records a user-granted exception to a violated commitment
// or constraint. The exception shares the violated atom's conflict key, links
// back to it with a derived_from edge, and expires by scope: this_instance is
// ephemeral, this_session lasts the session, anything else is durable. A
// positive durationDays sets a TTL picked up by the expiry sweep.
func (e *EnforcementEngine) CreateException(ctx context.Context, projectID, violatedID, reason string, scope string, durationDays int) (Atom, error) {
	violated, err := e.store.GetAtom(ctx, violatedID)
	if err != nil {
		return Atom{}, fmt.Errorf("exception target: %w", err)
	}

	durability := DurabilityDurable
	switch scope {
	case ScopeThisInstance:
		durability = DurabilityEphemeral
	case ScopeThisSession:
		durability = DurabilitySession
	}

	statement := fmt.Sprintf("Exception to '%s': %s", truncateRunes(violated.Statement, 100), reason)
	exception, err := e.store.CreateAtom(ctx, Atom{
		ProjectID:   projectID,
		Type:        TypeException,
		ConflictKey: violated.ConflictKey,
		Importance:  violated.Importance,
		Confidence:  0.9,
		Durability:  durability,
		Status:      StatusActive,
		TTLDays:     durationDays,
	}, Version{
		Statement: statement,
		Rationale: reason,
		Author:    AuthorUser,
	})
	if err != nil {
		return Atom{}, fmt.Errorf("create exception: %w", err)
	}

	if err := e.store.AddEdge(ctx, Edge{FromID: exception.ID, ToID: violated.ID, Relation: RelDerivedFrom}); err != nil {
		return Atom{}, fmt.Errorf("exception edge: %w", err)
	}

	if err := e.store.AppendOp(ctx, OpsEntry{
		ProjectID:  projectID,
		Op:         OpExceptionCreate,
		EntityID:   exception.ID,
		EntityKind: "atom",
		Message:    "exception created: " + reason,
		Extra: map[string]string{
			"violated_memory_id": violated.ID,
			"scope":              scope,
			"duration_days":      strconv.Itoa(durationDays),
		},
	}); err != nil {
		return Atom{}, err
	}
	return exception, nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
