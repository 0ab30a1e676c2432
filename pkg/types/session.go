package types

import (
	"time"
)

// Operation is what a session does to its nodes
type Operation string

const (
	OperationBoot     Operation = "boot"
	OperationReboot   Operation = "reboot"
	OperationShutdown Operation = "shutdown"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationBoot, OperationReboot, OperationShutdown:
		return true
	}
	return false
}

// SessionState is the lifecycle state of a session
type SessionState string

const (
	SessionPending  SessionState = "pending"
	SessionRunning  SessionState = "running"
	SessionComplete SessionState = "complete"
)

// SessionStatus tracks when a session started and finished and where it is
// in its lifecycle.
type SessionStatus struct {
	StartTime time.Time    `json:"start_time,omitzero"`
	EndTime   time.Time    `json:"end_time,omitzero"`
	Status    SessionState `json:"status"`
	Error     string       `json:"error,omitempty"`
}

// Session activates a template with an operation against a (possibly
// limited) set of nodes. Keyed by <tenant>/<name>.
type Session struct {
	Name            string        `json:"name"`
	Tenant          string        `json:"tenant"`
	TemplateName    string        `json:"template_name"`
	Operation       Operation     `json:"operation"`
	Limit           string        `json:"limit,omitempty"`
	Stage           bool          `json:"stage"`
	IncludeDisabled bool          `json:"include_disabled"`
	Status          SessionStatus `json:"status"`

	// Components is the id list resolved at setup time. Informational only;
	// the component records' session field is authoritative.
	Components []string `json:"components,omitempty"`
}

// SessionAggregate is the derived session-level status returned by
// GET /v2/sessions/{name}/status.
type SessionAggregate struct {
	Status          SessionState        `json:"status"`
	ManagedCount    int                 `json:"managed_components_count"`
	Phases          PhasePercents       `json:"phase_percentages"`
	PercentComplete float64             `json:"percent_complete"`
	PercentFailed   float64             `json:"percent_failed"`
	ErrorSummary    map[string][]string `json:"error_summary,omitempty"`
	StartTime       time.Time           `json:"start_time,omitzero"`
	EndTime         time.Time           `json:"end_time,omitzero"`
}

// PhasePercents breaks non-failed managed components down by reconciliation
// phase.
type PhasePercents struct {
	PercentNone        float64 `json:"percent_none"`
	PercentPoweringOn  float64 `json:"percent_powering_on"`
	PercentPoweringOff float64 `json:"percent_powering_off"`
	PercentConfiguring float64 `json:"percent_configuring"`
}
