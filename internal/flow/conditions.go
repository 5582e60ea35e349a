package flow

import (
	"strconv"
	"strings"

	"github.com/convoflow/convoflow/internal/models"
)

// evaluateCondition reports whether a single condition entry matches the
// captured variables. Numeric operators treat unparseable operands as a
// non-match rather than an error.
func evaluateCondition(c models.ConditionEntry, variables map[string]string) bool {
	value := variables[c.Variable]
	switch c.Operator {
	case models.OperatorEquals:
		return strings.EqualFold(value, c.Value)
	case models.OperatorContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(c.Value))
	case models.OperatorGreaterThan:
		left, right, ok := parseNumericPair(value, c.Value)
		return ok && left > right
	case models.OperatorLessThan:
		left, right, ok := parseNumericPair(value, c.Value)
		return ok && left < right
	case models.OperatorNotEmpty:
		return strings.TrimSpace(value) != ""
	default:
		return false
	}
}

func parseNumericPair(a, b string) (float64, float64, bool) {
	left, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, false
	}
	right, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return 0, 0, false
	}
	return left, right, true
}

// evaluateConditionNode returns the id of the branch to take. Entries are
// evaluated in declared order and the first match wins; when nothing matches
// the node's default branch is used. ok is false only when nothing matched
// and no default branch exists.
func evaluateConditionNode(node *models.ConditionNode, variables map[string]string) (next string, ok bool) {
	for _, c := range node.Conditions {
		if evaluateCondition(c, variables) {
			return c.NextNodeID, true
		}
	}
	if node.NextNodeID != "" {
		return node.NextNodeID, true
	}
	return "", false
}
