package engine

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

// Render replaces every {variable} placeholder in template with its value
// from vars. Unknown placeholders are left verbatim so a typo in a mission
// document is visible in the output instead of vanishing.
func Render(template string, vars map[string]string) string {
	result := template
	for key, value := range vars {
		result = strings.ReplaceAll(result, "{"+key+"}", value)
	}
	return result
}

// RenderParams resolves the placeholders of every action parameter.
func RenderParams(params map[string]string, vars map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = Render(v, vars)
	}
	return out
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// runtimeVars are bound by the pipeline during a stage-step, never by task
// config.
var runtimeVars = map[string]bool{
	"context_data":    true,
	"executor_output": true,
	"next_state":      true,
}

// UnresolvedVars reports the placeholders referenced by a stage's prompt and
// action parameters that neither the task's variable set nor the pipeline
// will bind. Task intake rejects creates that would leave any unresolved.
func UnresolvedVars(stage schemas.StageConfig, prompt string, task *schemas.TaskInstance) []string {
	vars := baseVars(task)
	seen := make(map[string]bool)
	var missing []string
	scan := func(s string) {
		for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			name := m[1]
			if runtimeVars[name] || seen[name] {
				continue
			}
			if _, ok := vars[name]; ok {
				continue
			}
			seen[name] = true
			missing = append(missing, name)
		}
	}
	for _, a := range stage.PreActions {
		for _, v := range a.Params {
			scan(v)
		}
	}
	scan(prompt)
	for _, a := range stage.PostActions {
		for _, v := range a.Params {
			scan(v)
		}
	}
	sort.Strings(missing)
	return missing
}

// baseVars builds the template variable set for one stage-step: the task's
// config merged with the fixed per-task fields. Fixed fields win over config
// keys of the same name.
func baseVars(task *schemas.TaskInstance) map[string]string {
	vars := make(map[string]string, len(task.Config)+8)
	for k, v := range task.Config {
		vars[k] = v
	}
	vars["task_id"] = task.ID
	vars["short_id"] = task.ShortID()
	vars["title"] = task.Title
	vars["description"] = task.Description
	vars["current_state"] = task.State
	vars["mission_type"] = task.MissionType
	vars["created_at"] = task.CreatedAt.UTC().Format(time.RFC3339)
	vars["last_activity_at"] = task.LastActivityAt.UTC().Format(time.RFC3339)
	return vars
}
