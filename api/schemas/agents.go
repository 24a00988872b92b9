package schemas

import "time"

// -- Agent Schemas --

// AgentStatus tracks what the scheduler last observed about a worker.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentError   AgentStatus = "error"
)

// AgentRecord is one schedulable worker identity. Records are created from
// the agents section of the mission document; LastRunAt and Status are
// mutated by the scheduler on each tick.
type AgentRecord struct {
	Name string `json:"name"`
	Role string `json:"role"`
	// HeartbeatOffset shifts this worker's first tick so workers sharing an
	// interval do not fire simultaneously.
	HeartbeatOffset time.Duration `json:"heartbeat_offset"`
	// HeartbeatInterval overrides the shared default when non-zero.
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty"`
	Level             string        `json:"level,omitempty"`

	LastRunAt time.Time   `json:"last_run_at"`
	Status    AgentStatus `json:"status"`
}

// WorkersByRole indexes agent records by role name. Built once at startup so
// reassignment is a map lookup, not a string scan at call time.
type WorkersByRole map[string][]*AgentRecord

// BuildRoleIndex groups workers by their role.
func BuildRoleIndex(agents []*AgentRecord) WorkersByRole {
	idx := make(WorkersByRole)
	for _, a := range agents {
		idx[a.Role] = append(idx[a.Role], a)
	}
	return idx
}

// Names returns the worker names registered for a role.
func (w WorkersByRole) Names(role string) []string {
	var names []string
	for _, a := range w[role] {
		names = append(names, a.Name)
	}
	return names
}
