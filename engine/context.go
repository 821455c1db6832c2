package engine

import (
	"github.com/relaychat/automation"
)

// buildEnv assembles the evaluation environment steps see through
// templates, conditions and expressions. Keys: trigger, inputs,
// variables, steps.<id>.output.
func buildEnv(run *automation.WorkflowRun, results map[string]*automation.StepResult) map[string]any {
	trigger := map[string]any{}
	if run.Trigger != nil {
		trigger["type"] = string(run.Trigger.Type)
		trigger["source"] = run.Trigger.Source
		trigger["eventType"] = run.Trigger.EventType
		trigger["payload"] = run.Trigger.Payload
	}

	steps := make(map[string]any, len(results))
	for _, res := range results {
		if res.Status == automation.StepStatusCompleted {
			steps[res.StepID] = map[string]any{"output": res.Output}
		}
	}

	inputs := run.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	variables := run.Variables
	if variables == nil {
		variables = map[string]any{}
	}

	return map[string]any{
		"trigger":   trigger,
		"inputs":    inputs,
		"variables": variables,
		"steps":     steps,
	}
}
