package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/convoflow/convoflow/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows so scan helpers serve both.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty converts empty strings to nil for nullable columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalFlowFields(f *models.Flow) (keywords, nodes, edges interface{}, err error) {
	if len(f.TriggerKeywords) > 0 {
		b, err := json.Marshal(f.TriggerKeywords)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal trigger keywords: %w", err)
		}
		keywords = string(b)
	}
	b, err := json.Marshal(f.Nodes)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal nodes: %w", err)
	}
	nodes = string(b)
	if len(f.Edges) > 0 {
		b, err := json.Marshal(f.Edges)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal edges: %w", err)
		}
		edges = string(b)
	}
	return keywords, nodes, edges, nil
}

func marshalSessionFields(s *models.Session) (variables, visited interface{}, err error) {
	if len(s.Variables) > 0 {
		b, err := json.Marshal(s.Variables)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal session variables: %w", err)
		}
		variables = string(b)
	}
	if len(s.VisitedNodes) > 0 {
		b, err := json.Marshal(s.VisitedNodes)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal visited nodes: %w", err)
		}
		visited = string(b)
	}
	return variables, visited, nil
}

func marshalTags(tags []string) (interface{}, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(b), nil
}

func marshalDropoffs(dropoffs map[string]int) (interface{}, error) {
	if len(dropoffs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(dropoffs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dropoffs: %w", err)
	}
	return string(b), nil
}

func unmarshalDropoffs(raw sql.NullString) (map[string]int, error) {
	dropoffs := make(map[string]int)
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &dropoffs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dropoffs: %w", err)
		}
	}
	return dropoffs, nil
}

// scanFlowFields scans a row in flowColumns order.
func scanFlowFields(scanner rowScanner) (models.Flow, error) {
	var f models.Flow
	var keywords, nodes, edges, dropoffs sql.NullString
	err := scanner.Scan(
		&f.ID, &f.TenantID, &f.Name, &f.Active, &f.TriggerType, &keywords, &nodes, &f.StartNodeID, &edges,
		&f.Analytics.Triggered, &f.Analytics.Completed, &f.Analytics.Abandoned, &f.Analytics.AvgCompletionSeconds, &dropoffs,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return f, err
	}
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &f.TriggerKeywords); err != nil {
			return f, fmt.Errorf("failed to unmarshal trigger keywords: %w", err)
		}
	}
	if nodes.Valid && nodes.String != "" {
		if err := json.Unmarshal([]byte(nodes.String), &f.Nodes); err != nil {
			return f, fmt.Errorf("failed to unmarshal nodes: %w", err)
		}
	}
	if edges.Valid && edges.String != "" {
		if err := json.Unmarshal([]byte(edges.String), &f.Edges); err != nil {
			return f, fmt.Errorf("failed to unmarshal edges: %w", err)
		}
	}
	if dropoffs.Valid && dropoffs.String != "" {
		if err := json.Unmarshal([]byte(dropoffs.String), &f.Analytics.Dropoffs); err != nil {
			return f, fmt.Errorf("failed to unmarshal dropoffs: %w", err)
		}
	}
	return f, nil
}

func scanFlow(rows *sql.Rows) (models.Flow, error) {
	return scanFlowFields(rows)
}

func scanFlowRow(row *sql.Row) (models.Flow, error) {
	return scanFlowFields(row)
}

// scanSessionFields scans a row in sessionColumns order.
func scanSessionFields(scanner rowScanner) (models.Session, error) {
	var s models.Session
	var variables, visited, handoffReason sql.NullString
	var completedAt sql.NullTime
	err := scanner.Scan(
		&s.ID, &s.ConversationID, &s.TenantID, &s.FlowID, &s.CurrentNodeID, &variables, &visited,
		&s.Status, &handoffReason, &s.Version, &s.CreatedAt, &s.UpdatedAt, &completedAt,
	)
	if err != nil {
		return s, err
	}
	if variables.Valid && variables.String != "" {
		if err := json.Unmarshal([]byte(variables.String), &s.Variables); err != nil {
			return s, fmt.Errorf("failed to unmarshal session variables: %w", err)
		}
	}
	if visited.Valid && visited.String != "" {
		if err := json.Unmarshal([]byte(visited.String), &s.VisitedNodes); err != nil {
			return s, fmt.Errorf("failed to unmarshal visited nodes: %w", err)
		}
	}
	if handoffReason.Valid {
		s.HandoffReason = handoffReason.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return s, nil
}

func scanSession(rows *sql.Rows) (models.Session, error) {
	return scanSessionFields(rows)
}

func scanSessionRow(row *sql.Row) (models.Session, error) {
	return scanSessionFields(row)
}

// scanConversationFields scans a row in conversationColumns order.
func scanConversationFields(scanner rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var displayName, tags, leadID sql.NullString
	err := scanner.Scan(
		&c.ID, &c.TenantID, &c.Phone, &displayName, &tags, &leadID, &c.InboundCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	if displayName.Valid {
		c.DisplayName = displayName.String
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &c.Tags); err != nil {
			return c, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	if leadID.Valid {
		c.LeadID = leadID.String
	}
	return c, nil
}

func scanConversationRow(row *sql.Row) (models.Conversation, error) {
	return scanConversationFields(row)
}

// scanLeadFields scans a row of lead columns.
func scanLeadFields(scanner rowScanner) (models.Lead, error) {
	var l models.Lead
	var name, email, phone, source sql.NullString
	err := scanner.Scan(&l.ID, &l.TenantID, &name, &email, &phone, &l.Status, &source, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return l, err
	}
	if name.Valid {
		l.Name = name.String
	}
	if email.Valid {
		l.Email = email.String
	}
	if phone.Valid {
		l.Phone = phone.String
	}
	if source.Valid {
		l.Source = source.String
	}
	return l, nil
}

func scanLeadRow(row *sql.Row) (models.Lead, error) {
	return scanLeadFields(row)
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// scanJobFields scans a row in jobColumns order.
func scanJobFields(scanner rowScanner) (Job, error) {
	var j Job
	var lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := scanner.Scan(
		&j.ID, &j.Kind, &j.RunAt, &j.PayloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	if dedupeKey.Valid {
		j.DedupeKey = dedupeKey.String
	}
	return j, nil
}

func scanJob(rows *sql.Rows) (Job, error) {
	return scanJobFields(rows)
}

func scanJobRow(row *sql.Row) (Job, error) {
	return scanJobFields(row)
}
