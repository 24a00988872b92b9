package schemas

import (
	"time"

	"github.com/google/uuid"
)

// -- Task Schemas --

// Conventional states shared by every mission. DONE is the terminal sink;
// StateQueue is the recovery target tasks are reset to.
const (
	StateQueue = "ASSIGNED"
	StateDone  = "DONE"
)

// MaxAssignees caps how many workers may hold a task at once.
const MaxAssignees = 3

// Outcome classifies one history entry on a task.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeHeld      Outcome = "held"
	OutcomeFailed    Outcome = "failed"
	OutcomeRecovered Outcome = "recovered"
	OutcomeEscalated Outcome = "escalated"
)

// HistoryEntry records one transition attempt or recovery intervention.
// History is append-only and totally ordered by At within a task.
type HistoryEntry struct {
	At      time.Time `json:"at"`
	From    string    `json:"from"`
	To      string    `json:"to,omitempty"`
	Actor   string    `json:"actor"`
	Outcome Outcome   `json:"outcome"`
	Note    string    `json:"note,omitempty"`
}

// TaskInstance is one unit of work flowing through a mission's states.
// Tasks are mutated only by the lifecycle engine (stage pipeline) and the
// recovery layer (forced reset); they are never deleted.
type TaskInstance struct {
	ID          string            `json:"id"`
	MissionType string            `json:"mission_type"`
	State       string            `json:"state"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Config      map[string]string `json:"config"`
	Assignees   []string          `json:"assignees"`
	History     []HistoryEntry    `json:"history"`
	// ConsecutiveFailures counts executor failures since the last successful
	// step; the recovery layer escalates when it crosses its threshold.
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivityAt      time.Time `json:"last_activity_at"`
}

// NewTaskInstance builds a task in the mission's initial state. Config is the
// mission default_config merged with caller overrides (overrides win).
func NewTaskInstance(mission *MissionDefinition, title, description string, overrides map[string]string, assignees []string) *TaskInstance {
	cfg := make(map[string]string, len(mission.DefaultConfig)+len(overrides))
	for k, v := range mission.DefaultConfig {
		cfg[k] = v
	}
	for k, v := range overrides {
		cfg[k] = v
	}
	if len(assignees) > MaxAssignees {
		assignees = assignees[:MaxAssignees]
	}
	now := time.Now().UTC()
	return &TaskInstance{
		ID:             uuid.NewString(),
		MissionType:    mission.Name,
		State:          mission.InitialState,
		Title:          title,
		Description:    description,
		Config:         cfg,
		Assignees:      assignees,
		History:        []HistoryEntry{},
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// ShortID returns the first eight characters of the task ID, used for branch
// names and deliverable file names.
func (t *TaskInstance) ShortID() string {
	if len(t.ID) < 8 {
		return t.ID
	}
	return t.ID[:8]
}

// AssignedTo reports whether the named worker currently holds this task.
func (t *TaskInstance) AssignedTo(worker string) bool {
	for _, a := range t.Assignees {
		if a == worker {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so concurrent readers never observe engine
// mutations in flight.
func (t *TaskInstance) Clone() *TaskInstance {
	cp := *t
	cp.Config = make(map[string]string, len(t.Config))
	for k, v := range t.Config {
		cp.Config[k] = v
	}
	cp.Assignees = append([]string(nil), t.Assignees...)
	cp.History = append([]HistoryEntry(nil), t.History...)
	return &cp
}
