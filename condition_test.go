package automation

import (
	"testing"
)

func testEnv() map[string]any {
	return map[string]any{
		"event": map[string]any{
			"type":      "message.created",
			"channelId": "C123",
			"payload": map[string]any{
				"content": "deploy please",
				"length":  13,
				"tags":    []any{"ops", "urgent"},
			},
		},
		"variables": map[string]any{
			"count": float64(5),
		},
	}
}

func TestCondition_Evaluate(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{
			name: "equals match",
			cond: Condition{Field: "event.type", Operator: OpEquals, Value: "message.created"},
			want: true,
		},
		{
			name: "equals mismatch",
			cond: Condition{Field: "event.type", Operator: OpEquals, Value: "member.joined"},
			want: false,
		},
		{
			name: "not_equals",
			cond: Condition{Field: "event.channelId", Operator: OpNotEquals, Value: "C999"},
			want: true,
		},
		{
			name: "numeric equals across types",
			cond: Condition{Field: "variables.count", Operator: OpEquals, Value: 5},
			want: true,
		},
		{
			name: "contains substring",
			cond: Condition{Field: "event.payload.content", Operator: OpContains, Value: "deploy"},
			want: true,
		},
		{
			name: "contains slice member",
			cond: Condition{Field: "event.payload.tags", Operator: OpContains, Value: "urgent"},
			want: true,
		},
		{
			name: "not_contains",
			cond: Condition{Field: "event.payload.content", Operator: OpNotContains, Value: "rollback"},
			want: true,
		},
		{
			name: "greater_than",
			cond: Condition{Field: "event.payload.length", Operator: OpGreaterThan, Value: 10},
			want: true,
		},
		{
			name: "less_than_or_equal boundary",
			cond: Condition{Field: "event.payload.length", Operator: OpLessThanOrEqual, Value: 13},
			want: true,
		},
		{
			name: "in list",
			cond: Condition{Field: "event.channelId", Operator: OpIn, Value: []any{"C123", "C456"}},
			want: true,
		},
		{
			name: "not_in list",
			cond: Condition{Field: "event.channelId", Operator: OpNotIn, Value: []any{"C456"}},
			want: true,
		},
		{
			name: "matches_regex",
			cond: Condition{Field: "event.type", Operator: OpMatchesRegex, Value: `^message\.`},
			want: true,
		},
		{
			name: "exists",
			cond: Condition{Field: "event.payload.content", Operator: OpExists},
			want: true,
		},
		{
			name: "exists on absent field",
			cond: Condition{Field: "event.payload.missing", Operator: OpExists},
			want: false,
		},
		{
			name: "not_exists on absent field",
			cond: Condition{Field: "event.payload.missing", Operator: OpNotExists},
			want: true,
		},
		{
			name: "absent field evaluates false not error",
			cond: Condition{Field: "nothing.here", Operator: OpEquals, Value: "x"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Evaluate(testEnv())
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCondition_InvalidRegex(t *testing.T) {
	cond := Condition{Field: "event.type", Operator: OpMatchesRegex, Value: "("}
	if _, err := cond.Evaluate(testEnv()); err == nil {
		t.Error("expected error for invalid regex")
	}
}

func TestEvaluateAll(t *testing.T) {
	env := testEnv()

	ok, err := EvaluateAll(nil, env)
	if err != nil || !ok {
		t.Errorf("empty condition list should match, got ok=%v err=%v", ok, err)
	}

	conds := []Condition{
		{Field: "event.type", Operator: OpEquals, Value: "message.created"},
		{Field: "event.channelId", Operator: OpEquals, Value: "C123"},
	}
	ok, err = EvaluateAll(conds, env)
	if err != nil || !ok {
		t.Errorf("all conditions should match, got ok=%v err=%v", ok, err)
	}

	conds = append(conds, Condition{Field: "event.type", Operator: OpEquals, Value: "other"})
	ok, err = EvaluateAll(conds, env)
	if err != nil || ok {
		t.Errorf("one failing condition should fail the set, got ok=%v err=%v", ok, err)
	}
}
