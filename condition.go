package automation

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// ConditionOperator is the closed set of comparison operators a trigger
// or step condition may use
type ConditionOperator string

const (
	OpEquals             ConditionOperator = "equals"
	OpNotEquals          ConditionOperator = "not_equals"
	OpContains           ConditionOperator = "contains"
	OpNotContains        ConditionOperator = "not_contains"
	OpGreaterThan        ConditionOperator = "greater_than"
	OpGreaterThanOrEqual ConditionOperator = "greater_than_or_equal"
	OpLessThan           ConditionOperator = "less_than"
	OpLessThanOrEqual    ConditionOperator = "less_than_or_equal"
	OpIn                 ConditionOperator = "in"
	OpNotIn              ConditionOperator = "not_in"
	OpMatchesRegex       ConditionOperator = "matches_regex"
	OpExists             ConditionOperator = "exists"
	OpNotExists          ConditionOperator = "not_exists"
)

var validOperators = map[ConditionOperator]bool{
	OpEquals: true, OpNotEquals: true,
	OpContains: true, OpNotContains: true,
	OpGreaterThan: true, OpGreaterThanOrEqual: true,
	OpLessThan: true, OpLessThanOrEqual: true,
	OpIn: true, OpNotIn: true,
	OpMatchesRegex: true,
	OpExists:       true, OpNotExists: true,
}

// IsValid reports whether the operator is part of the supported set
func (op ConditionOperator) IsValid() bool {
	return validOperators[op]
}

// Condition compares a context field against a value. Conditions on the
// same trigger or step are ANDed.
type Condition struct {
	Field    string            `json:"field" dynamodbav:"field" mapstructure:"field"`
	Operator ConditionOperator `json:"operator" dynamodbav:"operator" mapstructure:"operator"`
	Value    any               `json:"value,omitempty" dynamodbav:"value,omitempty" mapstructure:"value"`
}

// Evaluate checks the condition against the given context. Missing
// fields are a non-error: every operator except not_exists evaluates
// false on an absent field.
func (c Condition) Evaluate(env map[string]any) (bool, error) {
	actual, found := ResolvePath(c.Field, env)

	switch c.Operator {
	case OpExists:
		return found && actual != nil, nil
	case OpNotExists:
		return !found || actual == nil, nil
	}

	if !found || actual == nil {
		return false, nil
	}

	switch c.Operator {
	case OpEquals:
		return looseEquals(actual, c.Value), nil
	case OpNotEquals:
		return !looseEquals(actual, c.Value), nil
	case OpContains:
		return containsValue(actual, c.Value), nil
	case OpNotContains:
		return !containsValue(actual, c.Value), nil
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, nil
		}
		switch c.Operator {
		case OpGreaterThan:
			return a > b, nil
		case OpGreaterThanOrEqual:
			return a >= b, nil
		case OpLessThan:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpIn:
		return inList(actual, c.Value), nil
	case OpNotIn:
		return !inList(actual, c.Value), nil
	case OpMatchesRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("matches_regex value must be a string, got %T", c.Value)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		return re.MatchString(toString(actual)), nil
	default:
		return false, fmt.Errorf("unsupported condition operator %q", c.Operator)
	}
}

// EvaluateAll reports whether every condition holds (AND semantics).
// An empty list always matches.
func EvaluateAll(conditions []Condition, env map[string]any) (bool, error) {
	for _, c := range conditions {
		ok, err := c.Evaluate(env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// looseEquals compares with numeric coercion so a JSON 5 matches an
// int 5 regardless of the decoded representation
func looseEquals(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b) || toString(a) == toString(b)
}

// containsValue handles string substring and slice membership
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, toString(needle))
	default:
		rv := reflect.ValueOf(haystack)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			for i := 0; i < rv.Len(); i++ {
				if looseEquals(rv.Index(i).Interface(), needle) {
					return true
				}
			}
		}
		return false
	}
}

// inList checks membership of actual in the condition's list value
func inList(actual, list any) bool {
	rv := reflect.ValueOf(list)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if looseEquals(actual, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
