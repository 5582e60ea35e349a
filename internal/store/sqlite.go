// Package store provides storage backends for ConvoFlow.
//
// This file implements an SQLite-backed store for flows, sessions,
// conversations, and leads.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/convoflow/convoflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a file-backed Store suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveFlow(f models.Flow) error {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	keywords, nodes, edges, err := marshalFlowFields(&f)
	if err != nil {
		return err
	}

	// Analytics counters are intentionally not written here: they are owned
	// by the Record* mutations and must survive definition edits.
	_, err = s.db.Exec(
		`INSERT INTO flows (id, tenant_id, name, active, trigger_type, trigger_keywords, nodes, start_node_id, edges, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   active = excluded.active,
		   trigger_type = excluded.trigger_type,
		   trigger_keywords = excluded.trigger_keywords,
		   nodes = excluded.nodes,
		   start_node_id = excluded.start_node_id,
		   edges = excluded.edges,
		   updated_at = excluded.updated_at`,
		f.ID, f.TenantID, f.Name, f.Active, f.TriggerType, keywords, nodes, f.StartNodeID, edges, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flowID", f.ID)
	return nil
}

const flowColumns = `id, tenant_id, name, active, trigger_type, trigger_keywords, nodes, start_node_id, edges,
	triggered, completed, abandoned, avg_completion_seconds, dropoffs, created_at, updated_at`

func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	f, err := scanFlowRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return &f, nil
}

func (s *SQLiteStore) ListFlows(tenantID string) ([]models.Flow, error) {
	return s.queryFlows(`SELECT `+flowColumns+` FROM flows WHERE tenant_id = ? ORDER BY created_at ASC, id ASC`, tenantID)
}

func (s *SQLiteStore) ListActiveFlowsByTrigger(tenantID string, trigger models.TriggerType) ([]models.Flow, error) {
	return s.queryFlows(
		`SELECT `+flowColumns+` FROM flows WHERE tenant_id = ? AND trigger_type = ? AND active = 1 ORDER BY created_at ASC, id ASC`,
		tenantID, string(trigger),
	)
}

func (s *SQLiteStore) queryFlows(query string, args ...interface{}) ([]models.Flow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore flow query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	return flows, nil
}

func (s *SQLiteStore) SetFlowActive(id string, active bool) error {
	result, err := s.db.Exec(`UPDATE flows SET active = ?, updated_at = ? WHERE id = ?`, active, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set flow %s active=%t: %w", id, active, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordFlowTriggered(flowID string) error {
	_, err := s.db.Exec(`UPDATE flows SET triggered = triggered + 1 WHERE id = ?`, flowID)
	if err != nil {
		return fmt.Errorf("failed to record trigger for flow %s: %w", flowID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordFlowCompleted(flowID string, duration time.Duration) error {
	_, err := s.db.Exec(
		`UPDATE flows SET
		   avg_completion_seconds = (avg_completion_seconds * completed + ?) / (completed + 1),
		   completed = completed + 1
		 WHERE id = ?`,
		duration.Seconds(), flowID,
	)
	if err != nil {
		return fmt.Errorf("failed to record completion for flow %s: %w", flowID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordFlowAbandoned(flowID string, nodeID string) error {
	// Dropoff counters live in a JSON column; mutate inside a transaction.
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin abandon transaction: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	if err := tx.QueryRow(`SELECT dropoffs FROM flows WHERE id = ?`, flowID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read dropoffs for flow %s: %w", flowID, err)
	}
	dropoffs, err := unmarshalDropoffs(raw)
	if err != nil {
		return err
	}
	if nodeID != "" {
		dropoffs[nodeID]++
	}
	encoded, err := marshalDropoffs(dropoffs)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE flows SET abandoned = abandoned + 1, dropoffs = ? WHERE id = ?`, encoded, flowID); err != nil {
		return fmt.Errorf("failed to record abandonment for flow %s: %w", flowID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateSession(sess models.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	variables, visited, err := marshalSessionFields(&sess)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (id, conversation_id, tenant_id, flow_id, current_node_id, variables, visited_nodes, status, handoff_reason, version, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ConversationID, sess.TenantID, sess.FlowID, sess.CurrentNodeID,
		variables, visited, sess.Status, nilIfEmpty(sess.HandoffReason), sess.Version,
		sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			slog.Debug("SQLiteStore CreateSession: active session exists", "conversationID", sess.ConversationID)
			return ErrActiveSessionExists
		}
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", sess.ID, "conversationID", sess.ConversationID)
	return nil
}

const sessionColumns = `id, conversation_id, tenant_id, flow_id, current_node_id, variables, visited_nodes,
	status, handoff_reason, version, created_at, updated_at, completed_at`

func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) GetActiveSessionByConversation(conversationID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = ? AND status = 'active'`,
		conversationID,
	)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session for conversation %s: %w", conversationID, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) UpdateSessionIfActive(sess models.Session) error {
	variables, visited, err := marshalSessionFields(&sess)
	if err != nil {
		return err
	}
	now := time.Now()

	result, err := s.db.Exec(
		`UPDATE sessions SET
		   current_node_id = ?, variables = ?, visited_nodes = ?, status = ?,
		   handoff_reason = ?, version = version + 1, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status = 'active' AND version = ?`,
		sess.CurrentNodeID, variables, visited, sess.Status,
		nilIfEmpty(sess.HandoffReason), now, sess.CompletedAt,
		sess.ID, sess.Version,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateSessionIfActive failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		slog.Debug("SQLiteStore UpdateSessionIfActive conflict", "sessionID", sess.ID, "version", sess.Version)
		return ErrSessionConflict
	}
	return nil
}

func (s *SQLiteStore) ListSessionsByConversation(conversationID string) ([]models.Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = ? ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) ExpireIdleSessions(cutoff time.Time) (int, error) {
	rows, err := s.db.Query(
		`SELECT id, flow_id, current_node_id FROM sessions WHERE status = 'active' AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	type idle struct{ id, flowID, nodeID string }
	var idles []idle
	for rows.Next() {
		var i idle
		if err := rows.Scan(&i.id, &i.flowID, &i.nodeID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan idle session: %w", err)
		}
		idles = append(idles, i)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate idle sessions: %w", err)
	}

	now := time.Now()
	count := 0
	for _, i := range idles {
		result, err := s.db.Exec(
			`UPDATE sessions SET status = 'abandoned', version = version + 1, updated_at = ? WHERE id = ? AND status = 'active'`,
			now, i.id,
		)
		if err != nil {
			return count, fmt.Errorf("failed to expire session %s: %w", i.id, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue // resumed or terminated since the scan
		}
		if err := s.RecordFlowAbandoned(i.flowID, i.nodeID); err != nil {
			slog.Error("SQLiteStore ExpireIdleSessions analytics update failed", "error", err, "flowID", i.flowID)
		}
		count++
	}
	if count > 0 {
		slog.Info("SQLiteStore ExpireIdleSessions", "expired", count)
	}
	return count, nil
}

func (s *SQLiteStore) SaveConversation(c models.Conversation) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	tags, err := marshalTags(c.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (id, tenant_id, phone, display_name, tags, lead_id, inbound_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name = excluded.display_name,
		   tags = excluded.tags,
		   lead_id = excluded.lead_id,
		   updated_at = excluded.updated_at`,
		c.ID, c.TenantID, c.Phone, nilIfEmpty(c.DisplayName), tags, nilIfEmpty(c.LeadID), c.InboundCount, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	return nil
}

const conversationColumns = `id, tenant_id, phone, display_name, tags, lead_id, inbound_count, created_at, updated_at`

func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) GetConversationByPhone(tenantID, phone string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = ? AND phone = ?`,
		tenantID, phone,
	)
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation by phone: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) AddConversationTag(id, tag string) error {
	c, err := s.GetConversation(id)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}
	if c.HasTag(tag) {
		return nil
	}
	c.Tags = append(c.Tags, tag)
	return s.SaveConversation(*c)
}

func (s *SQLiteStore) LinkConversationLead(id, leadID string) error {
	result, err := s.db.Exec(`UPDATE conversations SET lead_id = ?, updated_at = ? WHERE id = ?`, leadID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to link lead to conversation %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) IncrementInbound(id string) (int, error) {
	_, err := s.db.Exec(`UPDATE conversations SET inbound_count = inbound_count + 1, updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment inbound count for %s: %w", id, err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT inbound_count FROM conversations WHERE id = ?`, id).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read inbound count for %s: %w", id, err)
	}
	return count, nil
}

func (s *SQLiteStore) CreateLead(l models.Lead) error {
	now := time.Now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO leads (id, tenant_id, name, email, phone, status, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TenantID, nilIfEmpty(l.Name), nilIfEmpty(l.Email), nilIfEmpty(l.Phone), l.Status, nilIfEmpty(l.Source), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateLead failed", "error", err, "leadID", l.ID)
		return fmt.Errorf("failed to create lead %s: %w", l.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, name, email, phone, status, source, created_at, updated_at FROM leads WHERE id = ?`, id)
	l, err := scanLeadRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead %s: %w", id, err)
	}
	return &l, nil
}

func (s *SQLiteStore) UpdateLeadStatus(id, status string) error {
	result, err := s.db.Exec(`UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update lead %s status: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
