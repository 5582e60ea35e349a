package flow

import (
	"strings"
	"testing"

	"github.com/convoflow/convoflow/internal/models"
)

func hasWarningContaining(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestValidateFlowCleanFlow(t *testing.T) {
	f := keywordFlow("f1", []string{"hi"}, []models.Node{
		{ID: "start", Type: models.NodeTypeStart, Start: &models.StartNode{NextNodeID: "ask"}},
		{ID: "ask", Type: models.NodeTypeQuestion, Question: &models.QuestionNode{Text: "?", VariableName: "v", NextNodeID: "done"}},
		{ID: "done", Type: models.NodeTypeEnd},
	})
	if warnings := ValidateFlow(&f); len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
}

func TestValidateFlowDeadEndMessage(t *testing.T) {
	f := keywordFlow("f1", []string{"hi"}, []models.Node{
		{ID: "start", Type: models.NodeTypeStart, Start: &models.StartNode{NextNodeID: "note"}},
		{ID: "note", Type: models.NodeTypeMessage, Message: &models.MessageNode{Text: "bye"}},
	})
	warnings := ValidateFlow(&f)
	if !hasWarningContaining(warnings, "no buttons and no next node") {
		t.Errorf("expected dead-end warning, got %v", warnings)
	}
}

func TestValidateFlowDanglingReference(t *testing.T) {
	f := keywordFlow("f1", []string{"hi"}, []models.Node{
		{ID: "start", Type: models.NodeTypeStart, Start: &models.StartNode{NextNodeID: "ghost"}},
		{ID: "done", Type: models.NodeTypeEnd},
	})
	warnings := ValidateFlow(&f)
	if !hasWarningContaining(warnings, `missing node "ghost"`) {
		t.Errorf("expected dangling reference warning, got %v", warnings)
	}
}

func TestValidateFlowButtonReferences(t *testing.T) {
	f := keywordFlow("f1", []string{"hi"}, []models.Node{
		{ID: "start", Type: models.NodeTypeStart, Start: &models.StartNode{NextNodeID: "choose"}},
		{ID: "choose", Type: models.NodeTypeMessage, Message: &models.MessageNode{
			Text:    "Pick",
			Buttons: []models.Button{{ID: "a", Text: "A", NextNodeID: "nowhere"}},
		}},
	})
	warnings := ValidateFlow(&f)
	if !hasWarningContaining(warnings, `missing node "nowhere"`) {
		t.Errorf("expected button reference warning, got %v", warnings)
	}
}

func TestValidateFlowKeywordFlowWithoutKeywords(t *testing.T) {
	f := keywordFlow("f1", nil, []models.Node{
		{ID: "start", Type: models.NodeTypeStart, Start: &models.StartNode{NextNodeID: "done"}},
		{ID: "done", Type: models.NodeTypeEnd},
	})
	warnings := ValidateFlow(&f)
	if !hasWarningContaining(warnings, "no trigger keywords") {
		t.Errorf("expected keyword warning, got %v", warnings)
	}
}

func TestValidateFlowConditionWithoutDefault(t *testing.T) {
	f := keywordFlow("f1", []string{"hi"}, []models.Node{
		{ID: "start", Type: models.NodeTypeStart, Start: &models.StartNode{NextNodeID: "branch"}},
		{ID: "branch", Type: models.NodeTypeCondition, Condition: &models.ConditionNode{
			Conditions: []models.ConditionEntry{{Variable: "a", Operator: models.OperatorNotEmpty, NextNodeID: "done"}},
		}},
		{ID: "done", Type: models.NodeTypeEnd},
	})
	warnings := ValidateFlow(&f)
	if !hasWarningContaining(warnings, "no default branch") {
		t.Errorf("expected default-branch warning, got %v", warnings)
	}
}

func TestValidateFlowStartWithoutNext(t *testing.T) {
	f := keywordFlow("f1", []string{"hi"}, []models.Node{
		{ID: "start", Type: models.NodeTypeStart, Start: &models.StartNode{}},
	})
	warnings := ValidateFlow(&f)
	if !hasWarningContaining(warnings, "no next node; sessions will abandon") {
		t.Errorf("expected start warning, got %v", warnings)
	}
}
