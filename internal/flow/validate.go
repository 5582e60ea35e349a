package flow

import (
	"fmt"

	"github.com/convoflow/convoflow/internal/models"
)

// ValidateFlow inspects a structurally valid flow for authoring problems that
// are legal to save but likely mistakes. Warnings never block saving; they
// are surfaced to the flow builder UI.
func ValidateFlow(f *models.Flow) []string {
	var warnings []string

	ids := make(map[string]bool, len(f.Nodes))
	for i := range f.Nodes {
		ids[f.Nodes[i].ID] = true
	}

	if f.TriggerType == models.TriggerTypeKeyword && len(f.TriggerKeywords) == 0 {
		warnings = append(warnings, "keyword-triggered flow has no trigger keywords and can never start")
	}

	checkRef := func(from, to string) {
		if to != "" && !ids[to] {
			warnings = append(warnings, fmt.Sprintf("node %q references missing node %q", from, to))
		}
	}

	for i := range f.Nodes {
		n := &f.Nodes[i]
		switch n.Type {
		case models.NodeTypeStart:
			if n.Start.NextNodeID == "" {
				warnings = append(warnings, fmt.Sprintf("start node %q has no next node; sessions will abandon immediately", n.ID))
			}
			checkRef(n.ID, n.Start.NextNodeID)
		case models.NodeTypeMessage:
			if len(n.Message.Buttons) == 0 && n.Message.NextNodeID == "" {
				warnings = append(warnings, fmt.Sprintf("message node %q has no buttons and no next node; sessions will wait there until idle expiry", n.ID))
			}
			checkRef(n.ID, n.Message.NextNodeID)
			for _, b := range n.Message.Buttons {
				checkRef(n.ID, b.NextNodeID)
			}
		case models.NodeTypeQuestion:
			checkRef(n.ID, n.Question.NextNodeID)
		case models.NodeTypeCondition:
			if n.Condition.NextNodeID == "" {
				warnings = append(warnings, fmt.Sprintf("condition node %q has no default branch; unmatched input abandons the session", n.ID))
			}
			checkRef(n.ID, n.Condition.NextNodeID)
			for _, c := range n.Condition.Conditions {
				checkRef(n.ID, c.NextNodeID)
			}
		case models.NodeTypeAction:
			checkRef(n.ID, n.Action.NextNodeID)
		case models.NodeTypeDelay:
			checkRef(n.ID, n.Delay.NextNodeID)
		}
	}

	return warnings
}
