package automation

import (
	"fmt"
	"testing"
)

func validDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:      "wf-valid",
		Name:    "Valid Workflow",
		OwnerID: "U1",
		Trigger: WorkflowTrigger{
			Type:      TriggerTypeEvent,
			EventType: "message.created",
		},
		Steps: []*WorkflowStep{
			{
				ID:     "greet",
				Name:   "Greet",
				Action: ActionSendMessage,
				Settings: map[string]any{
					"channelId": "C1",
					"content":   "hello {{event.userId}}",
				},
			},
		},
		Enabled: true,
	}
}

func TestValidateDefinition_Valid(t *testing.T) {
	if err := ValidateDefinition(validDefinition()); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}
}

func TestValidateDefinition_RequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*WorkflowDefinition)
	}{
		{"missing id", func(d *WorkflowDefinition) { d.ID = "" }},
		{"missing name", func(d *WorkflowDefinition) { d.Name = "" }},
		{"missing owner", func(d *WorkflowDefinition) { d.OwnerID = "" }},
		{"no steps", func(d *WorkflowDefinition) { d.Steps = nil }},
		{"unknown trigger type", func(d *WorkflowDefinition) { d.Trigger.Type = "SOMETIMES" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			if err := ValidateDefinition(def); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateDefinition_DuplicateStepID(t *testing.T) {
	def := validDefinition()
	dup := *def.Steps[0]
	def.Steps = append(def.Steps, &dup)

	if err := ValidateDefinition(def); err == nil {
		t.Error("expected error for duplicate step id")
	}
}

func TestValidateDefinition_TooManySteps(t *testing.T) {
	def := validDefinition()
	def.Steps = nil
	for i := 0; i <= MaxStepsPerWorkflow; i++ {
		def.Steps = append(def.Steps, &WorkflowStep{
			ID:     fmt.Sprintf("step-%d", i),
			Name:   "Step",
			Action: ActionSetVariable,
			Settings: map[string]any{
				"name":  "x",
				"value": i,
			},
		})
	}

	if err := ValidateDefinition(def); err == nil {
		t.Error("expected error for exceeding the step limit")
	}
}

func TestValidateDefinition_CronTriggers(t *testing.T) {
	tests := []struct {
		expr    string
		tz      string
		wantErr bool
	}{
		{"0 9 * * 1-5", "", false},
		{"*/15 * * * *", "", false},
		{"0 9 * * 1-5", "America/New_York", false},
		{"not a cron", "", true},
		{"0 9 * * 1-5 2026", "", true}, // six fields
		{"0 9 * * 1-5", "Mars/Olympus", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			def := validDefinition()
			def.Trigger = WorkflowTrigger{
				Type:           TriggerTypeSchedule,
				CronExpression: tt.expr,
				Timezone:       tt.tz,
			}
			err := ValidateDefinition(def)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateDefinition_DependencyCycle(t *testing.T) {
	def := validDefinition()
	def.Steps = []*WorkflowStep{
		{
			ID: "a", Name: "a", Action: ActionSetVariable,
			Settings:  map[string]any{"name": "a", "value": 1},
			DependsOn: []string{"b"},
		},
		{
			ID: "b", Name: "b", Action: ActionSetVariable,
			Settings:  map[string]any{"name": "b", "value": 2},
			DependsOn: []string{"a"},
		},
	}

	if err := ValidateDefinition(def); err == nil {
		t.Error("expected error for dependency cycle")
	}
}

func TestValidateDefinition_StepSettings(t *testing.T) {
	tests := []struct {
		name     string
		action   ActionKind
		settings map[string]any
		wantErr  bool
	}{
		{
			name:     "send_message missing channel",
			action:   ActionSendMessage,
			settings: map[string]any{"content": "hi"},
			wantErr:  true,
		},
		{
			name:     "http_request missing url",
			action:   ActionHTTPRequest,
			settings: map[string]any{"method": "GET"},
			wantErr:  true,
		},
		{
			name:     "transform missing expression",
			action:   ActionTransformData,
			settings: map[string]any{},
			wantErr:  true,
		},
		{
			name:     "delay zero duration",
			action:   ActionDelay,
			settings: map[string]any{"durationMs": 0},
			wantErr:  true,
		},
		{
			name:     "delay over cap",
			action:   ActionDelay,
			settings: map[string]any{"durationMs": MaxDelayMs + 1},
			wantErr:  true,
		},
		{
			name:     "delay valid",
			action:   ActionDelay,
			settings: map[string]any{"durationMs": 5000},
			wantErr:  false,
		},
		{
			name:   "approval minApprovals exceeds approvers",
			action: ActionApproval,
			settings: map[string]any{
				"approverIds":  []string{"U1"},
				"minApprovals": 3,
				"timeoutMs":    60000,
			},
			wantErr: true,
		},
		{
			name:   "approval valid",
			action: ActionApproval,
			settings: map[string]any{
				"approverIds":  []string{"U1", "U2"},
				"minApprovals": 2,
				"timeoutMs":    60000,
			},
			wantErr: false,
		},
		{
			name:     "set_variable missing name",
			action:   ActionSetVariable,
			settings: map[string]any{"value": 1},
			wantErr:  true,
		},
		{
			name:     "unknown settings key rejected",
			action:   ActionSendMessage,
			settings: map[string]any{"channelId": "C1", "content": "hi", "chanel": "typo"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			def.Steps = []*WorkflowStep{{
				ID:       "s1",
				Name:     "s1",
				Action:   tt.action,
				Settings: tt.settings,
			}}
			err := ValidateDefinition(def)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateDefinition_LoopBounds(t *testing.T) {
	mkLoop := func(maxIter int) *WorkflowDefinition {
		def := validDefinition()
		def.Steps = []*WorkflowStep{
			{
				ID: "body", Name: "body", Action: ActionSetVariable,
				Settings: map[string]any{"name": "x", "value": 1},
			},
			{
				ID: "loop", Name: "loop", Action: ActionLoop,
				Settings: map[string]any{
					"collection":    "{{variables.items}}",
					"itemVar":       "item",
					"bodySteps":     []string{"body"},
					"maxIterations": maxIter,
				},
			},
		}
		return def
	}

	if err := ValidateDefinition(mkLoop(100)); err != nil {
		t.Errorf("valid loop rejected: %v", err)
	}
	if err := ValidateDefinition(mkLoop(0)); err == nil {
		t.Error("expected error for maxIterations 0")
	}
	if err := ValidateDefinition(mkLoop(MaxLoopIterations + 1)); err == nil {
		t.Error("expected error for maxIterations over the cap")
	}
}

func TestValidateDefinition_ContainerReferences(t *testing.T) {
	// Branch referencing a step that does not exist
	def := validDefinition()
	def.Steps = []*WorkflowStep{{
		ID: "branch", Name: "branch", Action: ActionConditionalBranch,
		Settings: map[string]any{
			"branches": []map[string]any{
				{
					"name":       "yes",
					"conditions": []map[string]any{{"field": "inputs.x", "operator": "exists"}},
					"steps":      []string{"ghost"},
				},
			},
		},
	}}
	if err := ValidateDefinition(def); err == nil {
		t.Error("expected error for unknown contained step")
	}

	// Same step owned by two containers
	def = validDefinition()
	def.Steps = []*WorkflowStep{
		{
			ID: "body", Name: "body", Action: ActionSetVariable,
			Settings: map[string]any{"name": "x", "value": 1},
		},
		{
			ID: "loop1", Name: "loop1", Action: ActionLoop,
			Settings: map[string]any{
				"collection": "{{variables.a}}", "itemVar": "item",
				"bodySteps": []string{"body"}, "maxIterations": 10,
			},
		},
		{
			ID: "loop2", Name: "loop2", Action: ActionLoop,
			Settings: map[string]any{
				"collection": "{{variables.b}}", "itemVar": "item",
				"bodySteps": []string{"body"}, "maxIterations": 10,
			},
		},
	}
	if err := ValidateDefinition(def); err == nil {
		t.Error("expected error for step owned by two containers")
	}
}

func TestValidateDefinition_ManualTriggerInputs(t *testing.T) {
	def := validDefinition()
	def.Trigger = WorkflowTrigger{
		Type: TriggerTypeManual,
		RequiredInputs: []InputSpec{
			{Name: "version", Type: "string", Required: true},
		},
	}
	if err := ValidateDefinition(def); err != nil {
		t.Errorf("valid manual trigger rejected: %v", err)
	}

	def.Trigger.RequiredInputs[0].Type = "tuple"
	if err := ValidateDefinition(def); err == nil {
		t.Error("expected error for unknown input type")
	}
}
