package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newEnforcementFixture(t *testing.T, model *fakeModel) (*SQLiteStore, *EnforcementEngine) {
	t.Helper()
	store, retrieval := newRetrievalFixture(t, model)
	return store, NewEnforcementEngine(store, model, retrieval, nil)
}

func opsOfType(t *testing.T, store Store, projectID string, op OpType) []OpsEntry {
	t.Helper()
	ops, err := store.ListOps(context.Background(), projectID, 100)
	require.NoError(t, err)
	var out []OpsEntry
	for _, entry := range ops {
		if entry.Op == op {
			out = append(out, entry)
		}
	}
	return out
}

func TestCheckViolation_EmptyProjectSkipsClassifier(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{embedFn: tableEmbed(map[string][]float32{})}
	_, enforcer := newEnforcementFixture(t, model)

	result, err := enforcer.CheckViolation(ctx, "proj-1", "let's drop the audit table")
	require.NoError(t, err)
	require.False(t, result.Violated)
	require.Zero(t, model.extractCalls)
}

func TestCheckViolation_DetectsAndLogsViolation(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{embedFn: tableEmbed(map[string][]float32{})}
	store, enforcer := newEnforcementFixture(t, model)

	constraint := createAged(t, store, "proj-1", TypeConstraint, "Never deploy on Fridays", 0.8, 0.9, 3)
	decision := createAged(t, store, "proj-1", TypeDecision, "Releases go through staging first", 0.6, 0.8, 10)

	var seenPrompt string
	model.extractFn = func(prompt, system string, out any) error {
		seenPrompt = prompt
		return unmarshalInto(`{
			"violated": true,
			"violated_memory_ids": ["`+constraint.ID+`"],
			"explanation": "A Friday deploy breaks the standing freeze",
			"severity": "high",
			"suggested_response": "challenge",
			"challenge_message": "You committed to no Friday deploys."
		}`, out)
	}

	result, err := enforcer.CheckViolation(ctx, "proj-1", "shipping the release Friday evening")
	require.NoError(t, err)
	require.True(t, result.Violated)
	require.Equal(t, []string{constraint.ID}, result.ViolatedMemoryIDs)
	require.Equal(t, "high", result.Severity)
	require.Equal(t, "challenge", result.SuggestedResponse)

	// The classifier sees obligations tagged with type and id, plus decisions.
	require.Contains(t, seenPrompt, "["+constraint.ID+"] CONSTRAINT: Never deploy on Fridays")
	require.Contains(t, seenPrompt, decision.Statement)

	logged := opsOfType(t, store, "proj-1", OpViolationDetected)
	require.Len(t, logged, 1)
	require.Equal(t, constraint.ID, logged[0].EntityID)
	require.Equal(t, "high", logged[0].Extra["severity"])
	require.Equal(t, "challenge", logged[0].Extra["response"])
}

func TestCheckViolation_NoViolationWritesNoOp(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{embedFn: tableEmbed(map[string][]float32{})}
	store, enforcer := newEnforcementFixture(t, model)

	createAged(t, store, "proj-1", TypeCommitment, "Ship the migration by March", 0.7, 0.9, 5)
	model.extractFn = func(prompt, system string, out any) error {
		return unmarshalInto(`{"violated": false}`, out)
	}

	result, err := enforcer.CheckViolation(ctx, "proj-1", "writing docs today")
	require.NoError(t, err)
	require.False(t, result.Violated)
	require.Empty(t, opsOfType(t, store, "proj-1", OpViolationDetected))
}

func TestCheckViolation_ClassifierFaultDegradesToAllow(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{embedFn: tableEmbed(map[string][]float32{})}
	store, enforcer := newEnforcementFixture(t, model)

	createAged(t, store, "proj-1", TypeConstraint, "Keep the API backwards compatible", 0.8, 0.9, 2)
	model.extractFn = func(prompt, system string, out any) error {
		return errors.New("model unavailable")
	}

	result, err := enforcer.CheckViolation(ctx, "proj-1", "renaming the public endpoints")
	require.NoError(t, err)
	require.False(t, result.Violated)
	require.Empty(t, opsOfType(t, store, "proj-1", OpViolationDetected))
}

func TestCreateException_RecordsScopedException(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{embedFn: tableEmbed(map[string][]float32{})}
	store, enforcer := newEnforcementFixture(t, model)

	violated, err := store.CreateAtom(ctx, Atom{
		ProjectID:   "proj-1",
		Type:        TypeConstraint,
		ConflictKey: "deploy-window",
		Importance:  0.85,
		Confidence:  0.9,
	}, Version{Statement: "Never deploy on Fridays"})
	require.NoError(t, err)

	exception, err := enforcer.CreateException(ctx, "proj-1", violated.ID, "hotfix for the payment outage", ScopeThisSession, 7)
	require.NoError(t, err)

	require.Equal(t, TypeException, exception.Type)
	require.Equal(t, DurabilitySession, exception.Durability)
	require.Equal(t, 7, exception.TTLDays)
	require.Equal(t, "deploy-window", exception.ConflictKey)
	require.Equal(t, 0.85, exception.Importance)
	require.Equal(t, 0.9, exception.Confidence)

	got, err := store.GetAtom(ctx, exception.ID)
	require.NoError(t, err)
	require.Equal(t, "Exception to 'Never deploy on Fridays': hotfix for the payment outage", got.Statement)

	versions, err := store.ListVersions(ctx, exception.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, AuthorUser, versions[0].Author)
	require.Equal(t, "hotfix for the payment outage", versions[0].Rationale)

	edges, err := store.ListEdgesFrom(ctx, exception.ID, RelDerivedFrom)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, violated.ID, edges[0].ToID)

	logged := opsOfType(t, store, "proj-1", OpExceptionCreate)
	require.Len(t, logged, 1)
	require.Equal(t, exception.ID, logged[0].EntityID)
	require.Equal(t, violated.ID, logged[0].Extra["violated_memory_id"])
	require.Equal(t, ScopeThisSession, logged[0].Extra["scope"])
	require.Equal(t, "7", logged[0].Extra["duration_days"])
}

func TestCreateException_ScopeControlsDurability(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{embedFn: tableEmbed(map[string][]float32{})}
	store, enforcer := newEnforcementFixture(t, model)

	violated := createAged(t, store, "proj-1", TypeCommitment, "Keep weekly status updates going", 0.5, 0.8, 1)

	cases := []struct {
		scope string
		want  Durability
	}{
		{ScopeThisInstance, DurabilityEphemeral},
		{ScopeThisSession, DurabilitySession},
		{ScopePermanent, DurabilityDurable},
		{"anything-else", DurabilityDurable},
	}
	for _, tc := range cases {
		exception, err := enforcer.CreateException(ctx, "proj-1", violated.ID, "one-off", tc.scope, 0)
		require.NoError(t, err)
		require.Equal(t, tc.want, exception.Durability, "scope %q", tc.scope)
	}
}

func TestCreateException_TruncatesLongStatements(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{embedFn: tableEmbed(map[string][]float32{})}
	store, enforcer := newEnforcementFixture(t, model)

	long := strings.Repeat("guard the invariants of the billing pipeline ", 5)
	violated := createAged(t, store, "proj-1", TypeConstraint, long, 0.7, 0.9, 1)

	exception, err := enforcer.CreateException(ctx, "proj-1", violated.ID, "migration week", ScopePermanent, 0)
	require.NoError(t, err)

	got, err := store.GetAtom(ctx, exception.ID)
	require.NoError(t, err)
	require.Contains(t, got.Statement, "Exception to '"+string([]rune(long)[:100])+"...'")
}

func TestCreateException_MissingTargetFails(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{embedFn: tableEmbed(map[string][]float32{})}
	_, enforcer := newEnforcementFixture(t, model)

	_, err := enforcer.CreateException(ctx, "proj-1", "no-such-atom", "because", ScopePermanent, 0)
	require.Error(t, err)
}

func TestCreateException_TTLExpiresOnSweep(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{embedFn: tableEmbed(map[string][]float32{})}
	store, enforcer := newEnforcementFixture(t, model)

	violated := createAged(t, store, "proj-1", TypeConstraint, "Never deploy on Fridays", 0.8, 0.9, 1)
	exception, err := enforcer.CreateException(ctx, "proj-1", violated.ID, "hotfix window", ScopeThisSession, 1)
	require.NoError(t, err)

	n, err := store.SweepExpired(ctx, "proj-1", nowMS()+2*dayMSTest)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetAtom(ctx, exception.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
}
