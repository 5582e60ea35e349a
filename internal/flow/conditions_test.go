package flow

import (
	"testing"

	"github.com/convoflow/convoflow/internal/models"
)

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		name      string
		condition models.ConditionEntry
		variables map[string]string
		want      bool
	}{
		{
			name:      "equals case insensitive",
			condition: models.ConditionEntry{Variable: "city", Operator: models.OperatorEquals, Value: "mumbai"},
			variables: map[string]string{"city": "Mumbai"},
			want:      true,
		},
		{
			name:      "equals mismatch",
			condition: models.ConditionEntry{Variable: "city", Operator: models.OperatorEquals, Value: "delhi"},
			variables: map[string]string{"city": "Mumbai"},
			want:      false,
		},
		{
			name:      "contains case insensitive",
			condition: models.ConditionEntry{Variable: "msg", Operator: models.OperatorContains, Value: "PRICE"},
			variables: map[string]string{"msg": "what is the price?"},
			want:      true,
		},
		{
			name:      "greater than numeric",
			condition: models.ConditionEntry{Variable: "budget", Operator: models.OperatorGreaterThan, Value: "100"},
			variables: map[string]string{"budget": "250"},
			want:      true,
		},
		{
			name:      "less than numeric",
			condition: models.ConditionEntry{Variable: "budget", Operator: models.OperatorLessThan, Value: "100"},
			variables: map[string]string{"budget": "250"},
			want:      false,
		},
		{
			name:      "non-numeric operand is false not an error",
			condition: models.ConditionEntry{Variable: "budget", Operator: models.OperatorGreaterThan, Value: "100"},
			variables: map[string]string{"budget": "a lot"},
			want:      false,
		},
		{
			name:      "numeric against unset variable is false",
			condition: models.ConditionEntry{Variable: "budget", Operator: models.OperatorLessThan, Value: "100"},
			variables: nil,
			want:      false,
		},
		{
			name:      "not_empty with value",
			condition: models.ConditionEntry{Variable: "name", Operator: models.OperatorNotEmpty},
			variables: map[string]string{"name": "Ada"},
			want:      true,
		},
		{
			name:      "not_empty blank after trim",
			condition: models.ConditionEntry{Variable: "name", Operator: models.OperatorNotEmpty},
			variables: map[string]string{"name": "   "},
			want:      false,
		},
		{
			name:      "not_empty unset",
			condition: models.ConditionEntry{Variable: "name", Operator: models.OperatorNotEmpty},
			variables: map[string]string{},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluateCondition(tt.condition, tt.variables); got != tt.want {
				t.Errorf("evaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateConditionNodeFirstMatchWins(t *testing.T) {
	// Both entries match; the first declared must win.
	node := &models.ConditionNode{
		Conditions: []models.ConditionEntry{
			{Variable: "a", Operator: models.OperatorNotEmpty, NextNodeID: "N1"},
			{Variable: "a", Operator: models.OperatorEquals, Value: "x", NextNodeID: "N2"},
		},
	}
	next, ok := evaluateConditionNode(node, map[string]string{"a": "x"})
	if !ok {
		t.Fatal("expected a match")
	}
	if next != "N1" {
		t.Errorf("expected first matching branch N1, got %s", next)
	}
}

func TestEvaluateConditionNodeDefaultBranch(t *testing.T) {
	node := &models.ConditionNode{
		Conditions: []models.ConditionEntry{
			{Variable: "a", Operator: models.OperatorEquals, Value: "x", NextNodeID: "N1"},
		},
		NextNodeID: "DEFAULT",
	}
	next, ok := evaluateConditionNode(node, map[string]string{"a": "y"})
	if !ok || next != "DEFAULT" {
		t.Errorf("expected default branch, got %q ok=%v", next, ok)
	}

	node.NextNodeID = ""
	if _, ok := evaluateConditionNode(node, map[string]string{"a": "y"}); ok {
		t.Error("expected no branch when nothing matches and no default exists")
	}
}
