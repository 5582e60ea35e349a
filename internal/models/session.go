package models

import "time"

// SessionStatus represents the lifecycle state of a session. All states other
// than active are terminal.
type SessionStatus string

const (
	// SessionStatusActive indicates the session is executing its flow.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCompleted indicates the session reached an end node.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusAbandoned indicates the session failed or expired.
	SessionStatusAbandoned SessionStatus = "abandoned"
	// SessionStatusHandoff indicates a human operator took over.
	SessionStatusHandoff SessionStatus = "handoff"
)

// IsTerminal reports whether the status permits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned || s == SessionStatusHandoff
}

// VisitedNode is one entry in a session's append-only audit trail.
type VisitedNode struct {
	NodeID       string    `json:"node_id"`
	Timestamp    time.Time `json:"timestamp"`
	UserResponse string    `json:"user_response,omitempty"`
}

// Session is one stateful execution of a flow against one conversation. The
// entire execution state is the current node pointer plus captured variables;
// the flow definition itself is read-only during execution.
type Session struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	TenantID       string            `json:"tenant_id"`
	FlowID         string            `json:"flow_id"`
	CurrentNodeID  string            `json:"current_node_id"`
	Variables      map[string]string `json:"variables,omitempty"`
	VisitedNodes   []VisitedNode     `json:"visited_nodes,omitempty"`
	Status         SessionStatus     `json:"status"`
	HandoffReason  string            `json:"handoff_reason,omitempty"`
	// Version guards concurrent read-modify-write cycles: updates only apply
	// when the stored version still matches, then increment it.
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Visit appends an audit trail entry.
func (s *Session) Visit(nodeID, userResponse string) {
	s.VisitedNodes = append(s.VisitedNodes, VisitedNode{
		NodeID:       nodeID,
		Timestamp:    time.Now(),
		UserResponse: userResponse,
	})
}

// SetVariable stores a captured value, allocating the map on first use.
func (s *Session) SetVariable(name, value string) {
	if s.Variables == nil {
		s.Variables = make(map[string]string)
	}
	s.Variables[name] = value
}

// Conversation is the messaging-channel counterpart of a CRM contact. Tags
// use set semantics; LeadID links the conversation to a pipeline lead.
type Conversation struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Phone        string    `json:"phone"`
	DisplayName  string    `json:"display_name,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	LeadID       string    `json:"lead_id,omitempty"`
	InboundCount int       `json:"inbound_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasTag reports whether the conversation already carries the tag.
func (c *Conversation) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Lead is a CRM pipeline record created or mutated by action nodes.
type Lead struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Status    string    `json:"status"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InboundMessage is one participant message delivered by a messaging gateway.
type InboundMessage struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	From     string `json:"from"`
	Body     string `json:"body"`
	Time     int64  `json:"time"`
}
