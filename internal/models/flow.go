// Package models defines the core data structures for ConvoFlow.
//
// It includes flow definitions, sessions, conversations, and leads, which are
// shared across modules.
package models

import (
	"errors"
	"time"
)

// TriggerType defines how a flow execution is started.
type TriggerType string

const (
	// TriggerTypeKeyword starts a flow when an inbound message matches a keyword.
	TriggerTypeKeyword TriggerType = "keyword"
	// TriggerTypeFirstMessage starts a flow on a conversation's first inbound message.
	TriggerTypeFirstMessage TriggerType = "first_message"
	// TriggerTypeStageChange starts a flow when a linked lead changes pipeline stage.
	TriggerTypeStageChange TriggerType = "stage_change"
	// TriggerTypeManual starts a flow only through an explicit operator request.
	TriggerTypeManual TriggerType = "manual"
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerTypeKeyword, TriggerTypeFirstMessage, TriggerTypeStageChange, TriggerTypeManual:
		return true
	default:
		return false
	}
}

// NodeType tags the variant of a flow node.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeMessage   NodeType = "message"
	NodeTypeQuestion  NodeType = "question"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeEnd       NodeType = "end"
)

// IsValidNodeType checks if the given node type is supported.
func IsValidNodeType(t NodeType) bool {
	switch t {
	case NodeTypeStart, NodeTypeMessage, NodeTypeQuestion, NodeTypeCondition, NodeTypeAction, NodeTypeDelay, NodeTypeEnd:
		return true
	default:
		return false
	}
}

// ConditionOperator defines how a condition entry compares a variable.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorContains    ConditionOperator = "contains"
	OperatorGreaterThan ConditionOperator = "greater_than"
	OperatorLessThan    ConditionOperator = "less_than"
	OperatorNotEmpty    ConditionOperator = "not_empty"
)

// IsValidConditionOperator checks if the given operator is supported.
func IsValidConditionOperator(op ConditionOperator) bool {
	switch op {
	case OperatorEquals, OperatorContains, OperatorGreaterThan, OperatorLessThan, OperatorNotEmpty:
		return true
	default:
		return false
	}
}

// ActionType defines the side effect performed by an action node.
type ActionType string

const (
	ActionAssignTag   ActionType = "assign_tag"
	ActionChangeStage ActionType = "change_stage"
	ActionNotifyAgent ActionType = "notify_agent"
	ActionCreateLead  ActionType = "create_lead"
	ActionSendEmail   ActionType = "send_email"
	ActionUpdateField ActionType = "update_field"
)

// IsValidActionType checks if the given action type is declared.
func IsValidActionType(at ActionType) bool {
	switch at {
	case ActionAssignTag, ActionChangeStage, ActionNotifyAgent, ActionCreateLead, ActionSendEmail, ActionUpdateField:
		return true
	default:
		return false
	}
}

// Validation error variables for flow definitions.
var (
	ErrEmptyFlowName        = errors.New("flow name cannot be empty")
	ErrEmptyTenantID        = errors.New("tenant id cannot be empty")
	ErrInvalidTriggerType   = errors.New("invalid trigger type")
	ErrMissingStartNode     = errors.New("flow has no start node")
	ErrEmptyNodeID          = errors.New("node id cannot be empty")
	ErrDuplicateNodeID      = errors.New("duplicate node id")
	ErrInvalidNodeType      = errors.New("invalid node type")
	ErrNodePayloadMismatch  = errors.New("node payload does not match node type")
	ErrInvalidOperator      = errors.New("invalid condition operator")
	ErrInvalidActionType    = errors.New("invalid action type")
	ErrNegativeDelaySeconds = errors.New("delay seconds cannot be negative")
)

// Button is a selectable option attached to an interactive message node.
type Button struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	NextNodeID string `json:"next_node_id,omitempty"`
}

// StartNode is the entry node of a flow. It carries only the first transition.
type StartNode struct {
	NextNodeID string `json:"next_node_id,omitempty"`
}

// MessageNode sends text to the participant. With buttons it waits for a
// matching reply; without buttons it auto-advances when NextNodeID is set.
type MessageNode struct {
	Text       string   `json:"text"`
	Buttons    []Button `json:"buttons,omitempty"`
	NextNodeID string   `json:"next_node_id,omitempty"`
}

// QuestionNode sends a prompt and captures the raw reply into a variable.
type QuestionNode struct {
	Text         string `json:"text"`
	VariableName string `json:"variable_name"`
	ExpectedType string `json:"expected_type,omitempty"`
	NextNodeID   string `json:"next_node_id,omitempty"`
}

// ConditionEntry is a single branch of a condition node, evaluated in order.
type ConditionEntry struct {
	Variable   string            `json:"variable"`
	Operator   ConditionOperator `json:"operator"`
	Value      string            `json:"value,omitempty"`
	NextNodeID string            `json:"next_node_id"`
}

// ConditionNode branches on captured variables. The first matching entry
// wins; NextNodeID is the default branch when nothing matches.
type ConditionNode struct {
	Conditions []ConditionEntry `json:"conditions"`
	NextNodeID string           `json:"next_node_id,omitempty"`
}

// ActionNode performs a CRM side effect, then advances.
type ActionNode struct {
	ActionType ActionType        `json:"action_type"`
	ActionData map[string]string `json:"action_data,omitempty"`
	NextNodeID string            `json:"next_node_id,omitempty"`
}

// DelayNode pauses the session before advancing. The transition is persisted
// as a durable job so it survives process restarts.
type DelayNode struct {
	DelaySeconds int    `json:"delay_seconds"`
	NextNodeID   string `json:"next_node_id,omitempty"`
}

// Node is a tagged union: Type selects exactly one payload pointer. End nodes
// carry no payload. The interpreter switches on Type and trusts Validate to
// have enforced tag/payload agreement at save time.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	Start     *StartNode     `json:"start,omitempty"`
	Message   *MessageNode   `json:"message,omitempty"`
	Question  *QuestionNode  `json:"question,omitempty"`
	Condition *ConditionNode `json:"condition,omitempty"`
	Action    *ActionNode    `json:"action,omitempty"`
	Delay     *DelayNode     `json:"delay,omitempty"`
}

// Validate checks that the node's tag and payload agree.
func (n *Node) Validate() error {
	if n.ID == "" {
		return ErrEmptyNodeID
	}
	if !IsValidNodeType(n.Type) {
		return ErrInvalidNodeType
	}

	// Count set payloads; exactly one must match the tag (none for end).
	set := 0
	if n.Start != nil {
		set++
	}
	if n.Message != nil {
		set++
	}
	if n.Question != nil {
		set++
	}
	if n.Condition != nil {
		set++
	}
	if n.Action != nil {
		set++
	}
	if n.Delay != nil {
		set++
	}

	switch n.Type {
	case NodeTypeStart:
		if n.Start == nil || set != 1 {
			return ErrNodePayloadMismatch
		}
	case NodeTypeMessage:
		if n.Message == nil || set != 1 {
			return ErrNodePayloadMismatch
		}
	case NodeTypeQuestion:
		if n.Question == nil || set != 1 {
			return ErrNodePayloadMismatch
		}
	case NodeTypeCondition:
		if n.Condition == nil || set != 1 {
			return ErrNodePayloadMismatch
		}
		for _, c := range n.Condition.Conditions {
			if !IsValidConditionOperator(c.Operator) {
				return ErrInvalidOperator
			}
		}
	case NodeTypeAction:
		if n.Action == nil || set != 1 {
			return ErrNodePayloadMismatch
		}
		if !IsValidActionType(n.Action.ActionType) {
			return ErrInvalidActionType
		}
	case NodeTypeDelay:
		if n.Delay == nil || set != 1 {
			return ErrNodePayloadMismatch
		}
		if n.Delay.DelaySeconds < 0 {
			return ErrNegativeDelaySeconds
		}
	case NodeTypeEnd:
		if set != 0 {
			return ErrNodePayloadMismatch
		}
	}
	return nil
}

// NextNodeID returns the node's unconditional outgoing transition, if any.
// Condition nodes return their default branch; end nodes return "".
func (n *Node) NextNodeID() string {
	switch n.Type {
	case NodeTypeStart:
		return n.Start.NextNodeID
	case NodeTypeMessage:
		return n.Message.NextNodeID
	case NodeTypeQuestion:
		return n.Question.NextNodeID
	case NodeTypeCondition:
		return n.Condition.NextNodeID
	case NodeTypeAction:
		return n.Action.NextNodeID
	case NodeTypeDelay:
		return n.Delay.NextNodeID
	default:
		return ""
	}
}

// Edge is a UI-only adjacency record kept for the visual flow builder. The
// interpreter never consults edges; the executable graph lives exclusively in
// the per-node next_node_id fields.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// FlowAnalytics holds per-flow execution counters.
type FlowAnalytics struct {
	Triggered            int            `json:"triggered"`
	Completed            int            `json:"completed"`
	Abandoned            int            `json:"abandoned"`
	AvgCompletionSeconds float64        `json:"avg_completion_seconds"`
	Dropoffs             map[string]int `json:"dropoffs,omitempty"` // node id -> abandonment count
}

// Flow is a tenant-authored graph of nodes describing an automated
// conversation script.
type Flow struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	Name            string        `json:"name"`
	Active          bool          `json:"active"`
	TriggerType     TriggerType   `json:"trigger_type"`
	TriggerKeywords []string      `json:"trigger_keywords,omitempty"`
	Nodes           []Node        `json:"nodes"`
	StartNodeID     string        `json:"start_node_id"`
	Edges           []Edge        `json:"edges,omitempty"`
	Analytics       FlowAnalytics `json:"analytics"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NodeByID returns the node with the given id, or nil if absent.
func (f *Flow) NodeByID(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// Validate performs structural validation on a flow definition. It enforces
// hard errors only; advisory problems (dead ends, dangling references) are
// reported separately by the flow validator.
func (f *Flow) Validate() error {
	if f.TenantID == "" {
		return ErrEmptyTenantID
	}
	if f.Name == "" {
		return ErrEmptyFlowName
	}
	if !IsValidTriggerType(f.TriggerType) {
		return ErrInvalidTriggerType
	}
	seen := make(map[string]bool, len(f.Nodes))
	for i := range f.Nodes {
		if err := f.Nodes[i].Validate(); err != nil {
			return err
		}
		if seen[f.Nodes[i].ID] {
			return ErrDuplicateNodeID
		}
		seen[f.Nodes[i].ID] = true
	}
	if f.StartNodeID == "" || !seen[f.StartNodeID] {
		return ErrMissingStartNode
	}
	return nil
}
