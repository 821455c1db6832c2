package automation

import (
	"reflect"
	"testing"
)

func templateEnv() map[string]any {
	return map[string]any{
		"inputs": map[string]any{
			"version": "1.4.2",
			"count":   3,
		},
		"variables": map[string]any{
			"users": []any{"alice", "bob"},
		},
	}
}

func TestResolveTemplate_SinglePlaceholderKeepsType(t *testing.T) {
	env := templateEnv()

	got := ResolveTemplate("{{inputs.count}}", env)
	if got != 3 {
		t.Errorf("ResolveTemplate(count) = %v (%T), want 3", got, got)
	}

	got = ResolveTemplate("{{variables.users}}", env)
	if !reflect.DeepEqual(got, []any{"alice", "bob"}) {
		t.Errorf("ResolveTemplate(users) = %v, want the slice", got)
	}
}

func TestResolveTemplate_MixedString(t *testing.T) {
	got := ResolveTemplate("deploying {{inputs.version}} ({{inputs.count}} services)", templateEnv())
	if got != "deploying 1.4.2 (3 services)" {
		t.Errorf("ResolveTemplate() = %q", got)
	}
}

func TestResolveTemplate_MissingPathBecomesEmpty(t *testing.T) {
	got := ResolveTemplate("value: {{nothing.here}}!", templateEnv())
	if got != "value: !" {
		t.Errorf("ResolveTemplate() = %q", got)
	}

	got = ResolveTemplate("{{nothing.here}}", templateEnv())
	if got != "" {
		t.Errorf("ResolveTemplate() = %q, want empty", got)
	}
}

func TestResolveTemplate_NoPlaceholders(t *testing.T) {
	got := ResolveTemplate("plain text", templateEnv())
	if got != "plain text" {
		t.Errorf("ResolveTemplate() = %q", got)
	}
}

func TestResolvePath(t *testing.T) {
	v, ok := ResolvePath("inputs.version", templateEnv())
	if !ok || v != "1.4.2" {
		t.Errorf("ResolvePath(inputs.version) = %v, %v", v, ok)
	}

	if _, ok := ResolvePath("inputs.absent", templateEnv()); ok {
		t.Error("absent path should report not found")
	}
}

func TestResolveValue(t *testing.T) {
	env := templateEnv()
	in := map[string]any{
		"message": "v{{inputs.version}}",
		"nested": map[string]any{
			"count": "{{inputs.count}}",
		},
		"list":   []any{"{{inputs.version}}", "static"},
		"number": 42,
	}

	out := ResolveValue(in, env).(map[string]any)
	if out["message"] != "v1.4.2" {
		t.Errorf("message = %v", out["message"])
	}
	if out["nested"].(map[string]any)["count"] != 3 {
		t.Errorf("nested count = %v", out["nested"].(map[string]any)["count"])
	}
	if out["list"].([]any)[0] != "1.4.2" {
		t.Errorf("list[0] = %v", out["list"].([]any)[0])
	}
	if out["number"] != 42 {
		t.Errorf("number = %v", out["number"])
	}
}

func TestEvaluateExpression(t *testing.T) {
	env := templateEnv()

	got, err := EvaluateExpression("inputs.count * 2", env)
	if err != nil {
		t.Fatalf("EvaluateExpression failed: %v", err)
	}
	if got != 6 {
		t.Errorf("expression = %v, want 6", got)
	}

	got, err = EvaluateExpression(`len(variables.users)`, env)
	if err != nil {
		t.Fatalf("EvaluateExpression failed: %v", err)
	}
	if got != 2 {
		t.Errorf("expression = %v, want 2", got)
	}
}

func TestEvaluateExpression_InvalidIsError(t *testing.T) {
	if _, err := EvaluateExpression("inputs.count +", templateEnv()); err == nil {
		t.Error("expected error for broken expression")
	}
}
