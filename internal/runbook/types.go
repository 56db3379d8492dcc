package runbook

import "time"

type Runbook struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int       `json:"version" yaml:"version,omitempty"`
	Steps       []Step    `json:"steps" yaml:"steps"`
	Trigger     *Trigger  `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	IsEnabled   bool      `json:"is_enabled" yaml:"is_enabled"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Step is one unit of work. ThingID and ProfileID identify the script the
// external script host should run.
type Step struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	ThingID   string       `json:"thing_id" yaml:"thing_id"`
	ProfileID string       `json:"profile_id" yaml:"profile_id"`
	Condition Condition    `json:"condition,omitempty" yaml:"condition,omitempty"`
	DependsOn []string     `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout   Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Arguments string       `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

type ConditionKind string

const (
	ConditionAlways     ConditionKind = "always"
	ConditionOnSuccess  ConditionKind = "on_success"
	ConditionOnFailure  ConditionKind = "on_failure"
	ConditionExpression ConditionKind = "expression"
)

// Condition gates a step on the outcome of its dependencies. The zero value
// behaves as ConditionOnSuccess.
type Condition struct {
	Kind       ConditionKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

func Always() Condition    { return Condition{Kind: ConditionAlways} }
func OnSuccess() Condition { return Condition{Kind: ConditionOnSuccess} }
func OnFailure() Condition { return Condition{Kind: ConditionOnFailure} }

func Expression(text string) Condition {
	return Condition{Kind: ConditionExpression, Expression: text}
}

type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerSchedule  TriggerKind = "schedule"
	TriggerWebhook   TriggerKind = "webhook"
	TriggerFileWatch TriggerKind = "file_watch"
)

type Trigger struct {
	Kind      TriggerKind       `json:"kind" yaml:"kind"`
	Schedule  *ScheduleTrigger  `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Webhook   *WebhookTrigger   `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	FileWatch *FileWatchTrigger `json:"file_watch,omitempty" yaml:"file_watch,omitempty"`
}

type ScheduleTrigger struct {
	Cron     string `json:"cron" yaml:"cron"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

type WebhookTrigger struct {
	Secret         string `json:"secret" yaml:"secret"`
	AllowedIPRange string `json:"allowed_ip_range,omitempty" yaml:"allowed_ip_range,omitempty"`
}

type FileWatchTrigger struct {
	Path     string   `json:"path" yaml:"path"`
	Pattern  string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Debounce Duration `json:"debounce,omitempty" yaml:"debounce,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionPending        ExecutionStatus = "PENDING"
	ExecutionRunning        ExecutionStatus = "RUNNING"
	ExecutionPaused         ExecutionStatus = "PAUSED"
	ExecutionSucceeded      ExecutionStatus = "SUCCEEDED"
	ExecutionFailed         ExecutionStatus = "FAILED"
	ExecutionPartialSuccess ExecutionStatus = "PARTIAL_SUCCESS"
	ExecutionCanceled       ExecutionStatus = "CANCELED"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionPartialSuccess, ExecutionCanceled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepWaiting   StepStatus = "WAITING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCanceled  StepStatus = "CANCELED"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCanceled:
		return true
	}
	return false
}

type Execution struct {
	ID             string          `json:"id"`
	RunbookID      string          `json:"runbook_id"`
	RunbookVersion int             `json:"runbook_version"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Steps          []StepExecution `json:"steps"`
	TriggerInfo    string          `json:"trigger_info,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// Step returns the step row for stepID.
func (e Execution) Step(stepID string) (StepExecution, bool) {
	for _, s := range e.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return StepExecution{}, false
}

// Clone returns a copy that shares no mutable state with e.
func (e Execution) Clone() Execution {
	out := e
	out.Steps = append([]StepExecution(nil), e.Steps...)
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	for i := range out.Steps {
		out.Steps[i] = out.Steps[i].clone()
	}
	return out
}

type StepExecution struct {
	StepID       string     `json:"step_id"`
	StepName     string     `json:"step_name"`
	ScriptRunID  string     `json:"script_run_id,omitempty"`
	Status       StepStatus `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Attempt      int        `json:"attempt"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Output       string     `json:"output,omitempty"`
}

func (s StepExecution) clone() StepExecution {
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}
