package runbook

import (
	"strings"
	"unicode"
)

// ShouldExecute decides whether the step runs given the terminal statuses of
// its dependencies. A step without dependencies always runs.
func (s Step) ShouldExecute(results map[string]StepStatus) bool {
	if len(s.DependsOn) == 0 {
		return true
	}
	switch s.Condition.Kind {
	case ConditionAlways:
		for _, dep := range s.DependsOn {
			status := results[dep]
			if status != StepSucceeded && status != StepFailed {
				return false
			}
		}
		return true
	case ConditionOnFailure:
		for _, dep := range s.DependsOn {
			if results[dep] == StepFailed {
				return true
			}
		}
		return false
	case ConditionExpression:
		return EvaluateExpression(s.Condition.Expression, results)
	default:
		for _, dep := range s.DependsOn {
			if results[dep] != StepSucceeded {
				return false
			}
		}
		return true
	}
}

// EvaluateExpression evaluates a condition such as
//
//	build.succeeded AND ( tests.failed OR NOT lint.completed )
//
// Literals are stepId.state with state one of succeeded, failed, skipped or
// completed. AND and OR have no relative precedence: the first operator found
// scanning left to right splits the expression, so "a AND b OR c" means
// "a AND (b OR c)". A leading NOT negates everything after it. An empty
// expression is true.
func EvaluateExpression(expr string, results map[string]StepStatus) bool {
	tokens := tokenize(expr)
	if len(tokens) == 0 {
		return true
	}
	return evalTokens(tokens, results)
}

func tokenize(expr string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range expr {
		switch {
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func isOp(tok, op string) bool { return strings.EqualFold(tok, op) }

func evalTokens(tokens []string, results map[string]StepStatus) bool {
	if len(tokens) == 0 {
		return true
	}

	if isOp(tokens[0], "NOT") {
		return !evalTokens(tokens[1:], results)
	}

	if tokens[0] == "(" {
		closing := matchingParen(tokens)
		if closing < 0 {
			return false
		}
		inner := evalTokens(tokens[1:closing], results)
		rest := tokens[closing+1:]
		if len(rest) == 0 {
			return inner
		}
		switch {
		case isOp(rest[0], "AND"):
			return inner && evalTokens(rest[1:], results)
		case isOp(rest[0], "OR"):
			return inner || evalTokens(rest[1:], results)
		default:
			return false
		}
	}

	for i, tok := range tokens {
		if isOp(tok, "AND") {
			left, right := evalTokens(tokens[:i], results), evalTokens(tokens[i+1:], results)
			return left && right
		}
		if isOp(tok, "OR") {
			left, right := evalTokens(tokens[:i], results), evalTokens(tokens[i+1:], results)
			return left || right
		}
	}

	if len(tokens) != 1 {
		return false
	}
	return evalLiteral(tokens[0], results)
}

func matchingParen(tokens []string) int {
	depth := 0
	for i, tok := range tokens {
		switch tok {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func evalLiteral(tok string, results map[string]StepStatus) bool {
	dot := strings.LastIndex(tok, ".")
	if dot <= 0 || dot == len(tok)-1 {
		return false
	}
	status, ok := results[tok[:dot]]
	if !ok {
		return false
	}
	switch strings.ToLower(tok[dot+1:]) {
	case "succeeded":
		return status == StepSucceeded
	case "failed":
		return status == StepFailed
	case "skipped":
		return status == StepSkipped
	case "completed":
		return status == StepSucceeded || status == StepFailed
	default:
		return false
	}
}
