package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

// Memory is an in-process schemas.TaskStore with the same compare-and-set
// semantics as Postgres. It backs tests and the local single-process mode.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*schemas.TaskInstance
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*schemas.TaskInstance)}
}

func (m *Memory) Create(_ context.Context, task *schemas.TaskInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return schemas.ErrDuplicate
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*schemas.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, schemas.ErrNotFound
	}
	return task.Clone(), nil
}

func (m *Memory) ListByStates(_ context.Context, states []string, limit int) ([]*schemas.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(states, limit, func(*schemas.TaskInstance) bool { return true }), nil
}

func (m *Memory) ListForWorker(_ context.Context, worker, _ string, states []string, limit int) ([]*schemas.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(states, limit, func(t *schemas.TaskInstance) bool {
		return len(t.Assignees) == 0 || t.AssignedTo(worker)
	}), nil
}

func (m *Memory) CommitTransition(_ context.Context, id, expectedState, newState string, assignees []string, entry schemas.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return schemas.ErrNotFound
	}
	if task.State != expectedState {
		return schemas.ErrConflict
	}
	task.State = newState
	task.Assignees = normalizeAssignees(assignees)
	task.History = append(task.History, entry)
	task.ConsecutiveFailures = 0
	task.LastActivityAt = entry.At.UTC()
	return nil
}

func (m *Memory) Touch(_ context.Context, id string, entry *schemas.HistoryEntry, failures int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return schemas.ErrNotFound
	}
	if entry != nil {
		task.History = append(task.History, *entry)
	}
	switch {
	case failures < 0:
		task.ConsecutiveFailures = 0
	case failures > 0:
		task.ConsecutiveFailures += failures
	}
	task.LastActivityAt = time.Now().UTC()
	return nil
}

// SetActivity backdates a task's activity timestamp. Test helper for the
// recovery layer's staleness checks.
func (m *Memory) SetActivity(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[id]; ok {
		task.LastActivityAt = at
	}
}

func (m *Memory) collect(states []string, limit int, keep func(*schemas.TaskInstance) bool) []*schemas.TaskInstance {
	wanted := make(map[string]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}
	var out []*schemas.TaskInstance
	for _, task := range m.tasks {
		if wanted[task.State] && keep(task) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
