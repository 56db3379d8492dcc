package healing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ronappleton/runbook-engine/internal/runbook"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityWarning:  "warning",
	SeverityError:    "error",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(b)))
	for sev, name := range severityNames {
		if name == v {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(b))
}

// Alert is a firing (or resolved) alert produced by the alert engine.
type Alert struct {
	ID       string            `json:"id"`
	RuleID   string            `json:"rule_id"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message,omitempty"`
	Value    float64           `json:"value,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	FiredAt  time.Time         `json:"fired_at"`
}

// AlertRule is the alerting rule that produced an alert.
type AlertRule struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MetricName string `json:"metric_name"`
}

type AlertFired struct {
	Alert Alert     `json:"alert"`
	Rule  AlertRule `json:"rule"`
}

type AlertResolved struct {
	Alert      Alert     `json:"alert"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Rule maps alerts matching TriggerCondition to a remediation runbook.
type Rule struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Description          string           `json:"description,omitempty"`
	TriggerCondition     string           `json:"trigger_condition"`
	RunbookID            string           `json:"runbook_id"`
	MaxExecutionsPerHour int              `json:"max_executions_per_hour"`
	CooldownPeriod       runbook.Duration `json:"cooldown_period"`
	RequiresApproval     bool             `json:"requires_approval"`
	IsEnabled            bool             `json:"is_enabled"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

type RuleOption func(*Rule)

func WithDescription(d string) RuleOption {
	return func(r *Rule) { r.Description = d }
}

func WithMaxExecutionsPerHour(n int) RuleOption {
	return func(r *Rule) { r.MaxExecutionsPerHour = n }
}

func WithCooldown(d time.Duration) RuleOption {
	return func(r *Rule) { r.CooldownPeriod = runbook.Duration(d) }
}

func WithApproval() RuleOption {
	return func(r *Rule) { r.RequiresApproval = true }
}

func Disabled() RuleOption {
	return func(r *Rule) { r.IsEnabled = false }
}

// NewRule builds an enabled rule allowing three runs per hour with a fifteen
// minute cooldown unless options say otherwise.
func NewRule(name, condition, runbookID string, opts ...RuleOption) Rule {
	r := Rule{
		Name:                 name,
		TriggerCondition:     condition,
		RunbookID:            runbookID,
		MaxExecutionsPerHour: 3,
		CooldownPeriod:       runbook.Duration(15 * time.Minute),
		IsEnabled:            true,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func (r Rule) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "rule name is required")
	}
	if strings.TrimSpace(r.TriggerCondition) == "" {
		problems = append(problems, "trigger condition is required")
	}
	if strings.TrimSpace(r.RunbookID) == "" {
		problems = append(problems, "remediation runbook is required")
	}
	if r.MaxExecutionsPerHour < 1 {
		problems = append(problems, "max executions per hour must be at least 1")
	}
	if r.CooldownPeriod < 0 {
		problems = append(problems, "cooldown period must not be negative")
	}
	if len(problems) > 0 {
		return &runbook.ValidationError{Problems: problems}
	}
	return nil
}

type ExecutionStatus string

const (
	StatusPending          ExecutionStatus = "PENDING"
	StatusAwaitingApproval ExecutionStatus = "AWAITING_APPROVAL"
	StatusRunning          ExecutionStatus = "RUNNING"
	StatusSucceeded        ExecutionStatus = "SUCCEEDED"
	StatusFailed           ExecutionStatus = "FAILED"
	StatusSkipped          ExecutionStatus = "SKIPPED"
)

func (s ExecutionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Execution records one remediation attempt for a rule.
type Execution struct {
	ID                     string          `json:"id"`
	RuleID                 string          `json:"rule_id"`
	AlertID                string          `json:"alert_id,omitempty"`
	RemediationExecutionID string          `json:"remediation_execution_id,omitempty"`
	Status                 ExecutionStatus `json:"status"`
	StartedAt              time.Time       `json:"started_at"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	Result                 string          `json:"result,omitempty"`
}

type ExecutionFilter struct {
	RuleID  string
	AlertID string
	Status  ExecutionStatus
	Limit   int
}

var (
	ErrRuleNotFound        = errors.New("self-healing rule not found")
	ErrExecutionNotFound   = errors.New("self-healing execution not found")
	ErrNotAwaitingApproval = errors.New("self-healing execution is not awaiting approval")
	ErrRateLimited         = errors.New("self-healing rule exceeded its hourly execution limit")
	ErrCoolingDown         = errors.New("self-healing rule is cooling down")
)
