package mission

import (
	"time"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

// NameSet answers whether a guard/action/predicate name is registered. Both
// registries in internal/registry satisfy it.
type NameSet interface {
	Has(name string) bool
}

// Validate runs every static check against a parsed document. All violations
// are collected; error-level violations block activation, warnings do not.
// guards also recognizes post_check predicate names (post-checks are plain
// guard predicates evaluated at a different pipeline point).
func Validate(doc *Document, guards, actions NameSet, defaultInterval time.Duration) *schemas.ValidationErrors {
	ve := &schemas.ValidationErrors{}

	roleWorkers := make(map[string]int)
	for _, a := range doc.Agents {
		if a.Role == "" {
			ve.Add("agents", "agent_role", "agent %q has no role", a.Name)
			continue
		}
		roleWorkers[a.Role]++
	}

	for name, m := range doc.Missions {
		validateMission(ve, name, m, doc, guards, actions, roleWorkers)
	}

	validateOffsets(ve, doc.Agents, defaultInterval)
	return ve
}

func validateMission(ve *schemas.ValidationErrors, name string, m *schemas.MissionDefinition, doc *Document, guards, actions NameSet, roleWorkers map[string]int) {
	states := make(map[string]bool, len(m.States))
	for _, s := range m.States {
		if s == "" {
			ve.Add(name, "state_vocabulary", "empty state name declared")
			continue
		}
		states[s] = true
	}

	// Check 1: the vocabulary itself must be coherent.
	if len(states) == 0 {
		ve.Add(name, "state_vocabulary", "mission declares no states")
		return
	}
	if !states[m.InitialState] {
		ve.Add(name, "state_vocabulary", "initial_state %q is not a declared state", m.InitialState)
	}

	// Check 12: every transition endpoint must exist.
	for i, t := range m.Transitions {
		if !states[t.From] {
			ve.Add(name, "transition_endpoints", "transition %d: unknown from-state %q", i, t.From)
		}
		if !states[t.To] {
			ve.Add(name, "transition_endpoints", "transition %d: unknown to-state %q", i, t.To)
		}
		// Check 8: guard names must be registered.
		if t.Guard != "" && !guards.Has(t.Guard) {
			ve.Add(name, "guard_registered", "transition %s→%s references unknown guard %q", t.From, t.To, t.Guard)
		}
	}

	// Check 2: the initial state must have somewhere to go.
	if len(m.TransitionsFrom(m.InitialState)) == 0 {
		ve.Add(name, "initial_outgoing", "initial_state %q has no outgoing transition", m.InitialState)
	}

	reachable := reachableFrom(m, m.InitialState)

	// Check 3: some terminal state must be reachable. A dead-end initial
	// state is already an error under check 2 and does not count as the
	// reachable terminal.
	terminalReachable := false
	for s := range reachable {
		if s != m.InitialState && m.IsTerminal(s) {
			terminalReachable = true
			break
		}
	}
	if !terminalReachable {
		ve.Add(name, "terminal_reachable", "no terminal state reachable from %q", m.InitialState)
	}

	// Checks 4 and 5: every reachable non-terminal state needs a role, and
	// that role needs at least one worker.
	for s := range reachable {
		if m.IsTerminal(s) {
			continue
		}
		role, ok := m.RoleForState[s]
		if !ok {
			ve.Add(name, "state_role", "reachable state %q has no role mapping", s)
			continue
		}
		if roleWorkers[role] == 0 {
			ve.Add(name, "role_workers", "state %q maps to role %q with no configured workers", s, role)
		}
	}

	// Checks 6 and 7: stage pipelines must reference known names.
	for s, stage := range m.StageConfig {
		if stage.PostCheck != "" && !guards.Has(stage.PostCheck) {
			ve.Add(name, "post_check_known", "stage %q: unknown post_check predicate %q", s, stage.PostCheck)
		}
		for _, a := range stage.PreActions {
			if !actions.Has(a.Action) {
				ve.Add(name, "action_registered", "stage %q: unknown pre-action %q", s, a.Action)
			}
		}
		for _, a := range stage.PostActions {
			if !actions.Has(a.Action) {
				ve.Add(name, "action_registered", "stage %q: unknown post-action %q", s, a.Action)
			}
		}
		// Check 10: dead stage config is allowed but worth flagging.
		if states[s] && !reachable[s] {
			ve.Warn(name, "dead_stage_config", "stage config for state %q unreachable from %q", s, m.InitialState)
		}
		if !states[s] {
			ve.Add(name, "stage_state", "stage config references unknown state %q", s)
		}
		if stage.PromptRef != "" {
			if _, ok := doc.Prompts[stage.PromptRef]; !ok {
				ve.Warn(name, "prompt_known", "stage %q references unknown prompt %q (fallback prompt will be used)", s, stage.PromptRef)
			}
		}
	}

	// Check 11: dead role mapping.
	for s := range m.RoleForState {
		if states[s] && !reachable[s] {
			ve.Warn(name, "dead_role_config", "role mapping for state %q unreachable from %q", s, m.InitialState)
		}
		if !states[s] {
			ve.Add(name, "role_state", "role mapping references unknown state %q", s)
		}
	}
}

// validateOffsets implements check 9: two workers of the same role running on
// the same effective interval must not share a heartbeat offset.
func validateOffsets(ve *schemas.ValidationErrors, agents []*schemas.AgentRecord, defaultInterval time.Duration) {
	type slot struct {
		role     string
		interval time.Duration
		offset   time.Duration
	}
	seen := make(map[slot]string)
	for _, a := range agents {
		interval := a.HeartbeatInterval
		if interval == 0 {
			interval = defaultInterval
		}
		key := slot{role: a.Role, interval: interval, offset: a.HeartbeatOffset}
		if other, dup := seen[key]; dup {
			ve.Warn("agents", "offset_collision",
				"workers %q and %q share role %q, interval %v and offset %v; their ticks will align",
				other, a.Name, a.Role, interval, a.HeartbeatOffset)
			continue
		}
		seen[key] = a.Name
	}
}

// reachableFrom walks the transition graph from start.
func reachableFrom(m *schemas.MissionDefinition, start string) map[string]bool {
	reachable := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, t := range m.TransitionsFrom(s) {
			if !reachable[t.To] {
				reachable[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	return reachable
}
