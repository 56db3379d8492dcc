package runbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepIDs(steps []Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.ID)
	}
	return out
}

func chain() Runbook {
	return Runbook{
		ID:   "rb",
		Name: "chain",
		Steps: []Step{
			{ID: "A"},
			{ID: "B", DependsOn: []string{"A"}},
			{ID: "C", DependsOn: []string{"B"}},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		runbook  Runbook
		problems []string
	}{
		{
			name:     "valid chain",
			runbook:  chain(),
			problems: nil,
		},
		{
			name:     "missing name and steps",
			runbook:  Runbook{},
			problems: []string{"runbook name is required", "runbook must have at least one step"},
		},
		{
			name: "duplicates are reported individually and skip cycle detection",
			runbook: Runbook{Name: "dup", Steps: []Step{
				{ID: "a", DependsOn: []string{"b"}},
				{ID: "b", DependsOn: []string{"a"}},
				{ID: "a"},
				{ID: "b"},
			}},
			problems: []string{`duplicate step id "a"`, `duplicate step id "b"`},
		},
		{
			name: "unknown dependencies are reported individually",
			runbook: Runbook{Name: "dangling", Steps: []Step{
				{ID: "a", DependsOn: []string{"x", "y"}},
			}},
			problems: []string{
				`step "a" depends on unknown step "x"`,
				`step "a" depends on unknown step "y"`,
			},
		},
		{
			name: "cycle",
			runbook: Runbook{Name: "cycle", Steps: []Step{
				{ID: "A", DependsOn: []string{"C"}},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			}},
			problems: []string{"step dependencies contain a cycle"},
		},
		{
			name: "bad retry policy",
			runbook: Runbook{Name: "retry", Steps: []Step{
				{ID: "a", Retry: &RetryPolicy{MaxAttempts: 0, BackoffMultiplier: 1}},
			}},
			problems: []string{`step "a": retry max_attempts must be at least 1`},
		},
		{
			name: "webhook without secret",
			runbook: Runbook{Name: "hook", Steps: []Step{{ID: "a"}}, Trigger: &Trigger{
				Kind:    TriggerWebhook,
				Webhook: &WebhookTrigger{Secret: "  ", AllowedIPRange: "10.0.0.0/8"},
			}},
			problems: []string{"webhook trigger requires a secret"},
		},
		{
			name:     "webhook without settings",
			runbook:  Runbook{Name: "hook", Steps: []Step{{ID: "a"}}, Trigger: &Trigger{Kind: TriggerWebhook}},
			problems: []string{"webhook trigger requires a secret"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.problems, tt.runbook.Validate())
		})
	}
}

func TestCheckReturnsValidationError(t *testing.T) {
	err := Runbook{}.Check()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Problems, 2)

	assert.NoError(t, chain().Check())
}

func TestHasCycle(t *testing.T) {
	cyclic := Runbook{Steps: []Step{
		{ID: "A", DependsOn: []string{"C"}},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
	}}
	assert.True(t, cyclic.HasCycle())
	assert.False(t, chain().HasCycle())

	selfLoop := Runbook{Steps: []Step{{ID: "a", DependsOn: []string{"a"}}}}
	assert.True(t, selfLoop.HasCycle())

	disconnected := Runbook{Steps: []Step{
		{ID: "x"},
		{ID: "p", DependsOn: []string{"q"}},
		{ID: "q", DependsOn: []string{"p"}},
	}}
	assert.True(t, disconnected.HasCycle())

	diamond := Runbook{Steps: []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	}}
	assert.False(t, diamond.HasCycle())
}

func TestTopologicalOrder(t *testing.T) {
	rb := Runbook{Steps: []Step{
		{ID: "report", DependsOn: []string{"rotate", "prune"}},
		{ID: "rotate"},
		{ID: "prune", DependsOn: []string{"snapshot"}},
		{ID: "snapshot"},
		{ID: "zeta"},
	}}

	order := rb.TopologicalOrder()
	require.Len(t, order, len(rb.Steps))
	assert.Equal(t, []string{"rotate", "snapshot", "prune", "report", "zeta"}, stepIDs(order))

	pos := map[string]int{}
	for i, s := range order {
		pos[s.ID] = i
	}
	for _, s := range rb.Steps {
		for _, dep := range s.DependsOn {
			assert.Less(t, pos[dep], pos[s.ID], "%s must come after %s", s.ID, dep)
		}
	}
}

func TestTopologicalOrderKeepsStoredOrderForIndependentSteps(t *testing.T) {
	rb := Runbook{Steps: []Step{{ID: "c"}, {ID: "a"}, {ID: "b"}}}
	assert.Equal(t, []string{"c", "a", "b"}, stepIDs(rb.TopologicalOrder()))
}

func TestEntryPointsAndDependents(t *testing.T) {
	rb := Runbook{Steps: []Step{
		{ID: "a"},
		{ID: "b"},
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "d", DependsOn: []string{"a"}},
	}}
	assert.Equal(t, []string{"a", "b"}, stepIDs(rb.EntryPoints()))
	assert.Equal(t, []string{"c", "d"}, stepIDs(rb.Dependents("a")))
	assert.Equal(t, []string{"c"}, stepIDs(rb.Dependents("b")))
	assert.Empty(t, rb.Dependents("d"))
}

func TestBuiltinTemplatesAreValid(t *testing.T) {
	for _, tpl := range BuiltinTemplates {
		assert.Empty(t, tpl.Validate(), tpl.Name)
	}
}
