package healing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	fired := AlertFired{
		Alert: Alert{
			ID:       "alert-1",
			Severity: SeverityError,
			Tags:     map[string]string{"env": "Prod", "Team": "payments"},
		},
		Rule: AlertRule{ID: "ar-1", Name: "High CPU on api", MetricName: "node_cpu_seconds_total"},
	}
	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"severity >= warning", true},
		{"severity >= error", true},
		{"severity >= critical", false},
		{"severity is high", true},
		{"metric contains 'cpu'", true},
		{`metric contains "CPU"`, true},
		{"metric contains 'memory'", false},
		{"rule_name contains 'high cpu'", true},
		{"rule_name contains 'disk'", false},
		{"tag.env == 'prod'", true},
		{"tag.env == 'staging'", false},
		{"tag.team == 'PAYMENTS'", true},
		{"tag.region == 'eu'", false},
		{"severity >= error AND metric contains 'cpu' AND tag.env == 'prod'", true},
		{"severity >= error AND metric contains 'cpu' AND tag.env == 'dev'", false},
		{"SEVERITY >= CRITICAL", false},
	}
	for _, tc := range cases {
		t.Run(tc.cond, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(tc.cond, fired))
		})
	}
}

func TestMatchesSeverityFloors(t *testing.T) {
	for _, tc := range []struct {
		sev  Severity
		cond string
		want bool
	}{
		{SeverityInfo, "severity >= warning", false},
		{SeverityWarning, "severity >= warning", true},
		{SeverityCritical, "severity >= warning", true},
		{SeverityCritical, "severity == critical", true},
		{SeverityError, "severity == critical", false},
	} {
		got := Matches(tc.cond, AlertFired{Alert: Alert{Severity: tc.sev}})
		assert.Equal(t, tc.want, got, "%s with %s", tc.cond, tc.sev)
	}
}
