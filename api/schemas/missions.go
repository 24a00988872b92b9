package schemas

// -- Mission Schemas --

// MissionDefinition describes one workflow type: a state graph plus per-state
// stage and role configuration. Definitions are externally authored (YAML),
// validated at load time, and immutable once activated.
type MissionDefinition struct {
	Name          string                 `yaml:"-" json:"name"`
	Description   string                 `yaml:"description" json:"description"`
	States        []string               `yaml:"states" json:"states"`
	InitialState  string                 `yaml:"initial_state" json:"initial_state"`
	Transitions   []Transition           `yaml:"transitions" json:"transitions"`
	StageConfig   map[string]StageConfig `yaml:"stages" json:"stages"`
	RoleForState  map[string]string      `yaml:"state_roles" json:"state_roles"`
	DefaultConfig map[string]string      `yaml:"default_config" json:"default_config"`
}

// Transition is one guarded edge of the mission state graph. Transitions out
// of the same state are evaluated in declaration order; the first whose guard
// passes wins. An empty Guard always passes.
type Transition struct {
	From  string `yaml:"from" json:"from"`
	To    string `yaml:"to" json:"to"`
	Guard string `yaml:"guard,omitempty" json:"guard,omitempty"`
}

// StageConfig declares the pipeline run when a task sits in a given state.
type StageConfig struct {
	PreActions  []ActionConfig `yaml:"pre_actions,omitempty" json:"pre_actions,omitempty"`
	PromptRef   string         `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	PostActions []ActionConfig `yaml:"post_actions,omitempty" json:"post_actions,omitempty"`
	// PostCheck names a completion predicate evaluated before post-actions and
	// before any transition. When it fails the task holds in place.
	PostCheck string `yaml:"post_check,omitempty" json:"post_check,omitempty"`
}

// ActionConfig is one pre/post action invocation as declared in the mission
// document. Params values may contain {variable} placeholders resolved from
// the task's config at execution time.
type ActionConfig struct {
	Action string            `yaml:"action" json:"action"`
	Params map[string]string `yaml:",inline" json:"params,omitempty"`
	// Required marks a pre-action whose failure aborts the tick instead of
	// being logged and skipped.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`
}

// TerminalStates returns the states with no outgoing transition.
func (m *MissionDefinition) TerminalStates() []string {
	sources := make(map[string]bool, len(m.Transitions))
	for _, t := range m.Transitions {
		sources[t.From] = true
	}
	var terminal []string
	for _, s := range m.States {
		if !sources[s] {
			terminal = append(terminal, s)
		}
	}
	return terminal
}

// TransitionsFrom returns the outgoing transitions of a state in declaration
// order.
func (m *MissionDefinition) TransitionsFrom(state string) []Transition {
	var out []Transition
	for _, t := range m.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// HasState reports whether the state belongs to the mission's vocabulary.
func (m *MissionDefinition) HasState(state string) bool {
	for _, s := range m.States {
		if s == state {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state has no outgoing transitions.
func (m *MissionDefinition) IsTerminal(state string) bool {
	for _, t := range m.Transitions {
		if t.From == state {
			return false
		}
	}
	return true
}
