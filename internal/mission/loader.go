// Package mission loads, validates and activates mission documents: the
// externally authored YAML describing workflow state graphs, per-stage
// pipelines, role assignments and worker identities.
package mission

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

// Document is the parsed (but not yet validated) mission document.
type Document struct {
	Version  string
	Missions map[string]*schemas.MissionDefinition
	Agents   []*schemas.AgentRecord
	Prompts  map[string]string
}

// rawDocument matches the YAML layout before durations are parsed.
type rawDocument struct {
	Version  string                               `yaml:"version"`
	Missions map[string]*schemas.MissionDefinition `yaml:"missions"`
	Agents   map[string]rawAgent                  `yaml:"agents"`
	Prompts  map[string]string                    `yaml:"prompts"`
}

type rawAgent struct {
	Name              string `yaml:"name"`
	Role              string `yaml:"role"`
	Level             string `yaml:"level"`
	HeartbeatOffset   string `yaml:"heartbeat_offset"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// Load reads and parses a mission document from disk. Parsing is purely
// structural; Validate decides whether the document may be activated.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mission document: %w", err)
	}
	return Parse(data)
}

// Parse decodes a mission document from raw YAML.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse mission document: %w", err)
	}

	doc := &Document{
		Version:  raw.Version,
		Missions: make(map[string]*schemas.MissionDefinition, len(raw.Missions)),
		Prompts:  raw.Prompts,
	}

	for name, m := range raw.Missions {
		if m == nil {
			m = &schemas.MissionDefinition{}
		}
		m.Name = name
		if m.InitialState == "" {
			m.InitialState = schemas.StateQueue
		}
		if len(m.States) == 0 {
			m.States = statesFromTransitions(m.Transitions)
		}
		doc.Missions[name] = m
	}

	for key, a := range raw.Agents {
		rec := &schemas.AgentRecord{
			Name:   a.Name,
			Role:   a.Role,
			Level:  a.Level,
			Status: schemas.AgentIdle,
		}
		if rec.Name == "" {
			rec.Name = key
		}
		if a.HeartbeatOffset != "" {
			d, err := time.ParseDuration(a.HeartbeatOffset)
			if err != nil {
				return nil, fmt.Errorf("agent %s: bad heartbeat_offset %q: %w", key, a.HeartbeatOffset, err)
			}
			rec.HeartbeatOffset = d
		}
		if a.HeartbeatInterval != "" {
			d, err := time.ParseDuration(a.HeartbeatInterval)
			if err != nil {
				return nil, fmt.Errorf("agent %s: bad heartbeat_interval %q: %w", key, a.HeartbeatInterval, err)
			}
			rec.HeartbeatInterval = d
		}
		doc.Agents = append(doc.Agents, rec)
	}

	return doc, nil
}

// statesFromTransitions derives the state vocabulary from transition
// endpoints, preserving first-appearance order.
func statesFromTransitions(transitions []schemas.Transition) []string {
	seen := make(map[string]bool)
	var states []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			states = append(states, s)
		}
	}
	for _, t := range transitions {
		add(t.From)
		add(t.To)
	}
	return states
}

// Prompt returns the named prompt template, or a minimal fallback when the
// reference is unknown.
func (d *Document) Prompt(ref string) string {
	if p, ok := d.Prompts[ref]; ok {
		return p
	}
	return "Task: {title}\n\n{description}\n\n{context_data}"
}

// Mission returns the named mission definition.
func (d *Document) Mission(name string) (*schemas.MissionDefinition, error) {
	m, ok := d.Missions[name]
	if !ok {
		return nil, fmt.Errorf("mission %q: %w", name, schemas.ErrNotFound)
	}
	return m, nil
}
