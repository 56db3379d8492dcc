package healing

import (
	"regexp"
	"strings"
)

var (
	tagClause    = regexp.MustCompile(`tag\.(\w+)\s*==\s*'([^']*)'`)
	quotedString = regexp.MustCompile(`'([^']*)'|"([^"]*)"`)
)

// Matches reports whether a fired alert satisfies a rule's trigger
// condition. The condition is a conjunction of optional clauses:
//
//	severity >= error AND metric contains 'cpu' AND tag.env == 'prod'
//
// A severity clause sets a floor from the highest level named (critical,
// error, warning). Metric and rule_name clauses require the first quoted
// string after the keyword to be a substring of the alert rule's metric or
// name. Every tag.<name> == '<value>' clause must match the alert's tags.
// Comparisons are case-insensitive and absent clauses always hold.
func Matches(condition string, fired AlertFired) bool {
	cond := strings.ToLower(condition)

	if strings.Contains(cond, "severity") {
		if floor, ok := severityFloor(cond); ok && fired.Alert.Severity < floor {
			return false
		}
	}
	if want, ok := quotedAfter(cond, "metric"); ok &&
		!strings.Contains(strings.ToLower(fired.Rule.MetricName), want) {
		return false
	}
	if want, ok := quotedAfter(cond, "rule_name"); ok &&
		!strings.Contains(strings.ToLower(fired.Rule.Name), want) {
		return false
	}
	for _, m := range tagClause.FindAllStringSubmatch(cond, -1) {
		if !hasTag(fired.Alert.Tags, m[1], m[2]) {
			return false
		}
	}
	return true
}

func severityFloor(cond string) (Severity, bool) {
	switch {
	case strings.Contains(cond, "critical"):
		return SeverityCritical, true
	case strings.Contains(cond, "error"):
		return SeverityError, true
	case strings.Contains(cond, "warning"):
		return SeverityWarning, true
	}
	return SeverityInfo, false
}

func quotedAfter(cond, keyword string) (string, bool) {
	idx := strings.Index(cond, keyword)
	if idx < 0 {
		return "", false
	}
	m := quotedString.FindStringSubmatch(cond[idx+len(keyword):])
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	return m[2], true
}

func hasTag(tags map[string]string, key, value string) bool {
	for k, v := range tags {
		if strings.EqualFold(k, key) && strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
