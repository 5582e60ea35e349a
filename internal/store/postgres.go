// Package store provides storage backends for ConvoFlow.
//
// This file implements a PostgreSQL-backed store for flows, sessions,
// conversations, and leads.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a PostgreSQL-backed Store for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func (s *PostgresStore) SaveFlow(f models.Flow) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   active = EXCLUDED.active,
		   trigger_type = EXCLUDED.trigger_type,
		   trigger_keywords = EXCLUDED.trigger_keywords,
		   nodes = EXCLUDED.nodes,
		   start_node_id = EXCLUDED.start_node_id,
		   edges = EXCLUDED.edges,
		   updated_at = EXCLUDED.updated_at`,
		f.ID, f.TenantID, f.Name, f.Active, f.TriggerType, keywords, nodes, f.StartNodeID, edges, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	slog.Debug("PostgresStore SaveFlow succeeded", "flowID", f.ID)
	return nil
}

func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)
	f, err := scanFlowRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return &f, nil
}

func (s *PostgresStore) ListFlows(tenantID string) ([]models.Flow, error) {
	return s.queryFlows(`SELECT `+flowColumns+` FROM flows WHERE tenant_id = $1 ORDER BY created_at ASC, id ASC`, tenantID)
}

func (s *PostgresStore) ListActiveFlowsByTrigger(tenantID string, trigger models.TriggerType) ([]models.Flow, error) {
	return s.queryFlows(
		`SELECT `+flowColumns+` FROM flows WHERE tenant_id = $1 AND trigger_type = $2 AND active = TRUE ORDER BY created_at ASC, id ASC`,
		tenantID, string(trigger),
	)
}

func (s *PostgresStore) queryFlows(query string, args ...interface{}) ([]models.Flow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore flow query failed", "error", err)
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

func (s *PostgresStore) SetFlowActive(id string, active bool) error {
	result, err := s.db.Exec(`UPDATE flows SET active = $1, updated_at = $2 WHERE id = $3`, active, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set flow %s active=%t: %w", id, active, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordFlowTriggered(flowID string) error {
	_, err := s.db.Exec(`UPDATE flows SET triggered = triggered + 1 WHERE id = $1`, flowID)
	if err != nil {
		return fmt.Errorf("failed to record trigger for flow %s: %w", flowID, err)
	}
	return nil
}

func (s *PostgresStore) RecordFlowCompleted(flowID string, duration time.Duration) error {
	_, err := s.db.Exec(
		`UPDATE flows SET
		   avg_completion_seconds = (avg_completion_seconds * completed + $1) / (completed + 1),
		   completed = completed + 1
		 WHERE id = $2`,
		duration.Seconds(), flowID,
	)
	if err != nil {
		return fmt.Errorf("failed to record completion for flow %s: %w", flowID, err)
	}
	return nil
}

func (s *PostgresStore) RecordFlowAbandoned(flowID string, nodeID string) error {
	// Dropoff counters live in a JSON column; mutate inside a transaction
	// with the row locked against concurrent abandonment updates.
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin abandon transaction: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	if err := tx.QueryRow(`SELECT dropoffs FROM flows WHERE id = $1 FOR UPDATE`, flowID).Scan(&raw); err != nil {
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
	if _, err := tx.Exec(`UPDATE flows SET abandoned = abandoned + 1, dropoffs = $1 WHERE id = $2`, encoded, flowID); err != nil {
		return fmt.Errorf("failed to record abandonment for flow %s: %w", flowID, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) CreateSession(sess models.Session) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.ConversationID, sess.TenantID, sess.FlowID, sess.CurrentNodeID,
		variables, visited, sess.Status, nilIfEmpty(sess.HandoffReason), sess.Version,
		sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Debug("PostgresStore CreateSession: active session exists", "conversationID", sess.ConversationID)
			return ErrActiveSessionExists
		}
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "sessionID", sess.ID, "conversationID", sess.ConversationID)
	return nil
}

func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *PostgresStore) GetActiveSessionByConversation(conversationID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = $1 AND status = 'active'`,
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

func (s *PostgresStore) UpdateSessionIfActive(sess models.Session) error {
	variables, visited, err := marshalSessionFields(&sess)
	if err != nil {
		return err
	}
	now := time.Now()

	result, err := s.db.Exec(
		`UPDATE sessions SET
		   current_node_id = $1, variables = $2, visited_nodes = $3, status = $4,
		   handoff_reason = $5, version = version + 1, updated_at = $6, completed_at = $7
		 WHERE id = $8 AND status = 'active' AND version = $9`,
		sess.CurrentNodeID, variables, visited, sess.Status,
		nilIfEmpty(sess.HandoffReason), now, sess.CompletedAt,
		sess.ID, sess.Version,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateSessionIfActive failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		slog.Debug("PostgresStore UpdateSessionIfActive conflict", "sessionID", sess.ID, "version", sess.Version)
		return ErrSessionConflict
	}
	return nil
}

func (s *PostgresStore) ListSessionsByConversation(conversationID string) ([]models.Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = $1 ORDER BY created_at ASC`,
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

func (s *PostgresStore) ExpireIdleSessions(cutoff time.Time) (int, error) {
	rows, err := s.db.Query(
		`SELECT id, flow_id, current_node_id FROM sessions WHERE status = 'active' AND updated_at < $1`,
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
			`UPDATE sessions SET status = 'abandoned', version = version + 1, updated_at = $1 WHERE id = $2 AND status = 'active'`,
			now, i.id,
		)
		if err != nil {
			return count, fmt.Errorf("failed to expire session %s: %w", i.id, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue // resumed or terminated since the scan
		}
		if err := s.RecordFlowAbandoned(i.flowID, i.nodeID); err != nil {
			slog.Error("PostgresStore ExpireIdleSessions analytics update failed", "error", err, "flowID", i.flowID)
		}
		count++
	}
	if count > 0 {
		slog.Info("PostgresStore ExpireIdleSessions", "expired", count)
	}
	return count, nil
}

func (s *PostgresStore) SaveConversation(c models.Conversation) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   tags = EXCLUDED.tags,
		   lead_id = EXCLUDED.lead_id,
		   updated_at = EXCLUDED.updated_at`,
		c.ID, c.TenantID, c.Phone, nilIfEmpty(c.DisplayName), tags, nilIfEmpty(c.LeadID), c.InboundCount, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) GetConversationByPhone(tenantID, phone string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND phone = $2`,
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

func (s *PostgresStore) AddConversationTag(id, tag string) error {
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

func (s *PostgresStore) LinkConversationLead(id, leadID string) error {
	result, err := s.db.Exec(`UPDATE conversations SET lead_id = $1, updated_at = $2 WHERE id = $3`, leadID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to link lead to conversation %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementInbound(id string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`UPDATE conversations SET inbound_count = inbound_count + 1, updated_at = $1 WHERE id = $2 RETURNING inbound_count`,
		time.Now(), id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment inbound count for %s: %w", id, err)
	}
	return count, nil
}

func (s *PostgresStore) CreateLead(l models.Lead) error {
	now := time.Now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO leads (id, tenant_id, name, email, phone, status, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.TenantID, nilIfEmpty(l.Name), nilIfEmpty(l.Email), nilIfEmpty(l.Phone), l.Status, nilIfEmpty(l.Source), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateLead failed", "error", err, "leadID", l.ID)
		return fmt.Errorf("failed to create lead %s: %w", l.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, name, email, phone, status, source, created_at, updated_at FROM leads WHERE id = $1`, id)
	l, err := scanLeadRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead %s: %w", id, err)
	}
	return &l, nil
}

func (s *PostgresStore) UpdateLeadStatus(id, status string) error {
	result, err := s.db.Exec(`UPDATE leads SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update lead %s status: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
