package runbook

import (
	"fmt"
	"strings"
)

// ValidationError carries every structural problem found in a runbook.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid runbook: " + strings.Join(e.Problems, "; ")
}

// Validate collects all structural problems; an empty result means the
// runbook may be persisted and executed. Cycle detection only runs when step
// ids are unique.
func (r Runbook) Validate() []string {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "runbook name is required")
	}
	if len(r.Steps) == 0 {
		problems = append(problems, "runbook must have at least one step")
	}

	seen := make(map[string]int, len(r.Steps))
	hasDuplicates := false
	for i, s := range r.Steps {
		if strings.TrimSpace(s.ID) == "" {
			problems = append(problems, fmt.Sprintf("step at position %d has no id", i))
			continue
		}
		seen[s.ID]++
		if seen[s.ID] == 2 {
			hasDuplicates = true
			problems = append(problems, fmt.Sprintf("duplicate step id %q", s.ID))
		}
	}

	for _, s := range r.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := seen[dep]; !ok {
				problems = append(problems, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
		}
		if s.Retry != nil {
			if err := s.Retry.Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("step %q: %v", s.ID, err))
			}
		}
		switch s.Condition.Kind {
		case "", ConditionAlways, ConditionOnSuccess, ConditionOnFailure, ConditionExpression:
		default:
			problems = append(problems, fmt.Sprintf("step %q has unknown condition %q", s.ID, s.Condition.Kind))
		}
	}

	if r.Trigger != nil && r.Trigger.Kind == TriggerWebhook &&
		(r.Trigger.Webhook == nil || strings.TrimSpace(r.Trigger.Webhook.Secret) == "") {
		problems = append(problems, "webhook trigger requires a secret")
	}

	if !hasDuplicates && r.HasCycle() {
		problems = append(problems, "step dependencies contain a cycle")
	}
	return problems
}

// Check returns a *ValidationError when Validate reports any problem.
func (r Runbook) Check() error {
	if problems := r.Validate(); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (r Runbook) stepIndex() map[string]Step {
	idx := make(map[string]Step, len(r.Steps))
	for _, s := range r.Steps {
		idx[s.ID] = s
	}
	return idx
}

// HasCycle reports whether the DependsOn relation contains a directed cycle.
// Dependencies on unknown steps are ignored.
func (r Runbook) HasCycle() bool {
	idx := r.stepIndex()
	visited := make(map[string]bool, len(idx))
	onStack := make(map[string]bool, len(idx))

	var visit func(id string) bool
	visit = func(id string) bool {
		if onStack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		onStack[id] = true
		for _, dep := range idx[id].DependsOn {
			if _, ok := idx[dep]; !ok {
				continue
			}
			if visit(dep) {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, s := range r.Steps {
		if visit(s.ID) {
			return true
		}
	}
	return false
}

// TopologicalOrder returns the steps with every step placed after its
// dependencies. Independent steps keep their stored order.
func (r Runbook) TopologicalOrder() []Step {
	idx := r.stepIndex()
	visited := make(map[string]bool, len(idx))
	out := make([]Step, 0, len(r.Steps))

	var visit func(s Step)
	visit = func(s Step) {
		if visited[s.ID] {
			return
		}
		visited[s.ID] = true
		for _, dep := range s.DependsOn {
			if d, ok := idx[dep]; ok {
				visit(d)
			}
		}
		out = append(out, s)
	}

	for _, s := range r.Steps {
		visit(s)
	}
	return out
}

// EntryPoints returns the steps without dependencies.
func (r Runbook) EntryPoints() []Step {
	var out []Step
	for _, s := range r.Steps {
		if len(s.DependsOn) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Dependents returns the steps that list stepID in DependsOn.
func (r Runbook) Dependents(stepID string) []Step {
	var out []Step
	for _, s := range r.Steps {
		for _, dep := range s.DependsOn {
			if dep == stepID {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (r Runbook) Step(id string) (Step, bool) {
	for _, s := range r.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}
