package types

import (
	"time"
)

// ComponentPhase is the coarse reconciliation phase of a component
type ComponentPhase string

const (
	PhaseNone        ComponentPhase = ""
	PhasePoweringOn  ComponentPhase = "powering_on"
	PhasePoweringOff ComponentPhase = "powering_off"
	PhaseConfiguring ComponentPhase = "configuring"
)

// Valid reports whether p is one of the known phases.
func (p ComponentPhase) Valid() bool {
	switch p {
	case PhaseNone, PhasePoweringOn, PhasePoweringOff, PhaseConfiguring:
		return true
	}
	return false
}

// ComponentStatus is the fine-grained reconciliation status of a component
type ComponentStatus string

const (
	StatusStable                   ComponentStatus = "stable"
	StatusOn                       ComponentStatus = "on"
	StatusOff                      ComponentStatus = "off"
	StatusPowerOnPending           ComponentStatus = "power_on_pending"
	StatusPowerOnCalled            ComponentStatus = "power_on_called"
	StatusPowerOffPending          ComponentStatus = "power_off_pending"
	StatusPowerOffGracefullyCalled ComponentStatus = "power_off_gracefully_called"
	StatusPowerOffForcefullyCalled ComponentStatus = "power_off_forcefully_called"
	StatusConfiguring              ComponentStatus = "configuring"
	StatusFailed                   ComponentStatus = "failed"
)

// Action identifies the last reconciliation action taken on a component
type Action string

const (
	ActionNone               Action = "none"
	ActionPowerOn            Action = "power_on"
	ActionPowerOffGracefully Action = "power_off_gracefully"
	ActionPowerOffForcefully Action = "power_off_forcefully"
	ActionShutdownPending    Action = "shutdown_pending"
)

// BootArtifacts is the identity of a booted image: the kernel, its
// parameters, the initrd, and the root filesystem provider.
type BootArtifacts struct {
	Kernel                    string `json:"kernel,omitempty"`
	KernelParameters          string `json:"kernel_parameters,omitempty"`
	Initrd                    string `json:"initrd,omitempty"`
	RootfsProvider            string `json:"rootfs_provider,omitempty"`
	RootfsProviderPassthrough string `json:"rootfs_provider_passthrough,omitempty"`
}

// IsZero reports whether no artifacts are set.
func (b BootArtifacts) IsZero() bool {
	return b == BootArtifacts{}
}

// Equal compares two artifact sets field by field.
func (b BootArtifacts) Equal(other BootArtifacts) bool {
	return b == other
}

// DesiredState declares the boot identity and configuration a component
// should converge to.
type DesiredState struct {
	BootArtifacts BootArtifacts `json:"boot_artifacts,omitzero"`
	Configuration string        `json:"configuration,omitempty"`
	BssToken      string        `json:"bss_token,omitempty"`
}

// IsZero reports whether the desired state is empty.
func (d DesiredState) IsZero() bool {
	return d == DesiredState{}
}

// ActualState records the last observed booted identity of a component.
type ActualState struct {
	BootArtifacts BootArtifacts `json:"boot_artifacts,omitzero"`
	Configuration string        `json:"configuration,omitempty"`
	BssToken      string        `json:"bss_token,omitempty"`
	LastUpdated   time.Time     `json:"last_updated,omitzero"`
}

// IsZero reports whether nothing has been observed yet.
func (a ActualState) IsZero() bool {
	return a == ActualState{}
}

// StagedState is a pending desired state applied by an explicit
// apply-staged call rather than at session setup.
type StagedState struct {
	BootArtifacts BootArtifacts `json:"boot_artifacts,omitzero"`
	Configuration string        `json:"configuration,omitempty"`
	Session       string        `json:"session,omitempty"`
}

// IsZero reports whether nothing is staged.
func (s StagedState) IsZero() bool {
	return s == StagedState{}
}

// LastAction records the most recent reconciliation action and its retry
// accounting.
type LastAction struct {
	Action      Action    `json:"action,omitempty"`
	NumAttempts int       `json:"num_attempts"`
	LastUpdated time.Time `json:"last_updated,omitzero"`
	Failed      bool      `json:"failed"`
}

// StatusBlock is the derived status of a component. The status operator owns
// Phase and Status; StatusOverride is writable through the API and wins when
// set.
type StatusBlock struct {
	Phase          ComponentPhase  `json:"phase"`
	Status         ComponentStatus `json:"status,omitempty"`
	StatusOverride ComponentStatus `json:"status_override,omitempty"`
}

// Effective returns the override when present, the computed status otherwise.
func (s StatusBlock) Effective() ComponentStatus {
	if s.StatusOverride != "" {
		return s.StatusOverride
	}
	return s.Status
}

// EventStats counts reconciliation attempts per kind of power action.
type EventStats struct {
	PowerOnAttempts          int `json:"power_on_attempts"`
	PowerOffGracefulAttempts int `json:"power_off_graceful_attempts"`
	PowerOffForcefulAttempts int `json:"power_off_forceful_attempts"`
}

// Component is the per-node reconciliation record. It is keyed in the store
// by <tenant>/<id>; the empty tenant is the untenanted bucket.
type Component struct {
	ID           string       `json:"id"`
	Tenant       string       `json:"tenant"`
	Enabled      bool         `json:"enabled"`
	DesiredState DesiredState `json:"desired_state,omitzero"`
	ActualState  ActualState  `json:"actual_state,omitzero"`
	StagedState  StagedState  `json:"staged_state,omitzero"`
	LastAction   LastAction   `json:"last_action,omitzero"`
	Status       StatusBlock  `json:"status,omitzero"`
	Error        string       `json:"error,omitempty"`
	Session      string       `json:"session,omitempty"`
	RetryPolicy  int          `json:"retry_policy,omitempty"`
	EventStats   EventStats   `json:"event_stats,omitzero"`
}

// RetryLimit returns the component's retry budget, falling back to the
// fleet-wide default when unset.
func (c *Component) RetryLimit(defaultPolicy int) int {
	if c.RetryPolicy > 0 {
		return c.RetryPolicy
	}
	return defaultPolicy
}

// RetriesExhausted reports whether the last action has used up the retry
// budget.
func (c *Component) RetriesExhausted(defaultPolicy int) bool {
	return c.LastAction.NumAttempts >= c.RetryLimit(defaultPolicy)
}

// DesiredArtifactsMatch reports whether the observed boot identity equals the
// desired one.
func (c *Component) DesiredArtifactsMatch() bool {
	return c.ActualState.BootArtifacts.Equal(c.DesiredState.BootArtifacts)
}

// WantsPowerOn reports whether the component has a boot goal.
func (c *Component) WantsPowerOn() bool {
	return !c.DesiredState.BootArtifacts.IsZero()
}
