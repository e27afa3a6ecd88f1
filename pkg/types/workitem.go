package types

import "time"

// WorkItem is the sole persistent entity of the HA coordinator core: one
// unit of recovery or lifecycle work against a single VM, claimed by at
// most one management-server peer at a time.
type WorkItem struct {
	ID            int64
	InstanceID    string
	InstanceType  InstanceType
	WorkType      WorkType
	Step          Step
	HostID        string // source host for the work
	PreviousState VMState
	UpdateTime    int64
	TimesTried    int
	TimeToTry     int64  // epoch seconds; 0 means "now"
	DateTaken     *time.Time
	ServerID      string // "" when released
	ReasonType    ReasonType
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// IsTaken reports whether the item currently has an active lease.
func (w *WorkItem) IsTaken() bool {
	return w.ServerID != ""
}

// IsTerminal reports whether the item is in a step from which it will
// never again be executed.
func (w *WorkItem) IsTerminal() bool {
	switch w.Step {
	case StepDone, StepCancelled, StepError:
		return true
	default:
		return false
	}
}

// WorkType identifies the kind of recovery or lifecycle action a WorkItem
// drives.
type WorkType string

const (
	WorkTypeHA         WorkType = "HA"
	WorkTypeMigration  WorkType = "Migration"
	WorkTypeStop       WorkType = "Stop"
	WorkTypeCheckStop  WorkType = "CheckStop"
	WorkTypeForceStop  WorkType = "ForceStop"
	WorkTypeDestroy    WorkType = "Destroy"
)

// Step is the WorkItem's position in its per-workType progression.
type Step string

const (
	StepScheduled     Step = "Scheduled"
	StepInvestigating Step = "Investigating"
	StepFencing       Step = "Fencing"
	StepMigrating     Step = "Migrating"
	StepDone          Step = "Done"
	StepCancelled     Step = "Cancelled"
	StepError         Step = "Error"
)

// ReasonType records why a WorkItem was scheduled.
type ReasonType string

const (
	ReasonHostMaintenance ReasonType = "HostMaintenance"
	ReasonHostDown        ReasonType = "HostDown"
	ReasonHostDegraded    ReasonType = "HostDegraded"
	ReasonVmStopped       ReasonType = "VmStopped"
	ReasonUserRequested   ReasonType = "UserRequested"
	ReasonUnknown         ReasonType = "Unknown"
)

// Cancellable reports whether r indicates an operator-driven
// host condition that re-investigation can reverse before the item runs
// (spec §4.4 step 6).
func (r ReasonType) Cancellable() bool {
	switch r {
	case ReasonHostMaintenance, ReasonHostDown, ReasonHostDegraded:
		return true
	default:
		return false
	}
}

// AgentStatus is the liveness verdict an Investigator reports for a host.
type AgentStatus string

const (
	AgentStatusUp           AgentStatus = "Up"
	AgentStatusDown         AgentStatus = "Down"
	AgentStatusDisconnected AgentStatus = "Disconnected"
	AgentStatusAlert        AgentStatus = "Alert"
	AgentStatusUnknown      AgentStatus = "Unknown"
)
