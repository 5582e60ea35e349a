// Package store provides storage backends for ConvoFlow.
//
// It includes an in-memory store for tests and persistent SQLite and
// PostgreSQL stores for flows, sessions, conversations, and leads.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/convoflow/convoflow/internal/models"
)

// Sentinel errors surfaced by session operations.
var (
	// ErrActiveSessionExists is returned when creating a session would violate
	// the one-active-session-per-conversation invariant.
	ErrActiveSessionExists = errors.New("conversation already has an active session")
	// ErrSessionConflict is returned when an update lost a concurrent
	// read-modify-write race; the caller's copy is stale.
	ErrSessionConflict = errors.New("session was modified concurrently")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store defines the persistence operations used by the flow engine and API.
type Store interface {
	// Flows
	SaveFlow(f models.Flow) error
	GetFlow(id string) (*models.Flow, error)
	ListFlows(tenantID string) ([]models.Flow, error)
	// ListActiveFlowsByTrigger returns active flows of the given trigger type
	// for a tenant, ordered by creation time ascending. Trigger matching
	// relies on this order being stable.
	ListActiveFlowsByTrigger(tenantID string, trigger models.TriggerType) ([]models.Flow, error)
	SetFlowActive(id string, active bool) error
	RecordFlowTriggered(flowID string) error
	RecordFlowCompleted(flowID string, duration time.Duration) error
	RecordFlowAbandoned(flowID string, nodeID string) error

	// Sessions
	CreateSession(s models.Session) error
	GetSession(id string) (*models.Session, error)
	GetActiveSessionByConversation(conversationID string) (*models.Session, error)
	// UpdateSessionIfActive applies the update only if the stored session is
	// still active and its version matches; the stored version is then
	// incremented. Returns ErrSessionConflict otherwise.
	UpdateSessionIfActive(s models.Session) error
	ListSessionsByConversation(conversationID string) ([]models.Session, error)
	// ExpireIdleSessions abandons active sessions not updated since cutoff and
	// records the abandonment in their flows' analytics.
	ExpireIdleSessions(cutoff time.Time) (int, error)

	// Conversations
	SaveConversation(c models.Conversation) error
	GetConversation(id string) (*models.Conversation, error)
	GetConversationByPhone(tenantID, phone string) (*models.Conversation, error)
	AddConversationTag(id, tag string) error
	LinkConversationLead(id, leadID string) error
	// IncrementInbound bumps the conversation's inbound message counter and
	// returns the new total.
	IncrementInbound(id string) (int, error)

	// Leads
	CreateLead(l models.Lead) error
	GetLead(id string) (*models.Lead, error)
	UpdateLeadStatus(id, status string) error

	Close() error
}

// InMemoryStore is a mutex-guarded map-backed Store for tests and local runs.
type InMemoryStore struct {
	mu            sync.RWMutex
	flows         map[string]models.Flow
	sessions      map[string]models.Session
	conversations map[string]models.Conversation
	leads         map[string]models.Lead
	jobs          map[string]Job
	jobSeq        int
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:         make(map[string]models.Flow),
		sessions:      make(map[string]models.Session),
		conversations: make(map[string]models.Conversation),
		leads:         make(map[string]models.Lead),
		jobs:          make(map[string]Job),
	}
}

func (s *InMemoryStore) SaveFlow(f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.flows[f.ID]; ok {
		f.CreatedAt = existing.CreatedAt
		f.Analytics = existing.Analytics
	} else if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	f.UpdatedAt = time.Now()
	s.flows[f.ID] = f
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) ListFlows(tenantID string) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var flows []models.Flow
	for _, f := range s.flows {
		if f.TenantID == tenantID {
			flows = append(flows, f)
		}
	}
	sortFlowsByCreation(flows)
	return flows, nil
}

func (s *InMemoryStore) ListActiveFlowsByTrigger(tenantID string, trigger models.TriggerType) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var flows []models.Flow
	for _, f := range s.flows {
		if f.TenantID == tenantID && f.Active && f.TriggerType == trigger {
			flows = append(flows, f)
		}
	}
	sortFlowsByCreation(flows)
	return flows, nil
}

func sortFlowsByCreation(flows []models.Flow) {
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].ID < flows[j].ID
		}
		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})
}

func (s *InMemoryStore) SetFlowActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return ErrNotFound
	}
	f.Active = active
	f.UpdatedAt = time.Now()
	s.flows[id] = f
	return nil
}

func (s *InMemoryStore) RecordFlowTriggered(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return ErrNotFound
	}
	f.Analytics.Triggered++
	s.flows[flowID] = f
	return nil
}

func (s *InMemoryStore) RecordFlowCompleted(flowID string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return ErrNotFound
	}
	n := float64(f.Analytics.Completed)
	f.Analytics.AvgCompletionSeconds = (f.Analytics.AvgCompletionSeconds*n + duration.Seconds()) / (n + 1)
	f.Analytics.Completed++
	s.flows[flowID] = f
	return nil
}

func (s *InMemoryStore) RecordFlowAbandoned(flowID string, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return ErrNotFound
	}
	f.Analytics.Abandoned++
	if nodeID != "" {
		if f.Analytics.Dropoffs == nil {
			f.Analytics.Dropoffs = make(map[string]int)
		}
		f.Analytics.Dropoffs[nodeID]++
	}
	s.flows[flowID] = f
	return nil
}

func (s *InMemoryStore) CreateSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.ConversationID == sess.ConversationID && existing.Status == models.SessionStatusActive {
			return ErrActiveSessionExists
		}
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *InMemoryStore) GetActiveSessionByConversation(conversationID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.ConversationID == conversationID && sess.Status == models.SessionStatusActive {
			found := sess
			return &found, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) UpdateSessionIfActive(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[sess.ID]
	if !ok || stored.Status != models.SessionStatusActive || stored.Version != sess.Version {
		return ErrSessionConflict
	}
	sess.Version++
	sess.UpdatedAt = time.Now()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) ListSessionsByConversation(conversationID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []models.Session
	for _, sess := range s.sessions {
		if sess.ConversationID == conversationID {
			sessions = append(sessions, sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

func (s *InMemoryStore) ExpireIdleSessions(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, sess := range s.sessions {
		if sess.Status == models.SessionStatusActive && sess.UpdatedAt.Before(cutoff) {
			sess.Status = models.SessionStatusAbandoned
			sess.Version++
			sess.UpdatedAt = time.Now()
			s.sessions[id] = sess
			if f, ok := s.flows[sess.FlowID]; ok {
				f.Analytics.Abandoned++
				if f.Analytics.Dropoffs == nil {
					f.Analytics.Dropoffs = make(map[string]int)
				}
				f.Analytics.Dropoffs[sess.CurrentNodeID]++
				s.flows[sess.FlowID] = f
			}
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conversations[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) GetConversationByPhone(tenantID, phone string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.TenantID == tenantID && c.Phone == phone {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) AddConversationTag(id, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if !c.HasTag(tag) {
		c.Tags = append(c.Tags, tag)
		c.UpdatedAt = time.Now()
		s.conversations[id] = c
	}
	return nil
}

func (s *InMemoryStore) LinkConversationLead(id, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.LeadID = leadID
	c.UpdatedAt = time.Now()
	s.conversations[id] = c
	return nil
}

func (s *InMemoryStore) IncrementInbound(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return 0, ErrNotFound
	}
	c.InboundCount++
	c.UpdatedAt = time.Now()
	s.conversations[id] = c
	return c.InboundCount, nil
}

func (s *InMemoryStore) CreateLead(l models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	s.leads[l.ID] = l
	return nil
}

func (s *InMemoryStore) GetLead(id string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *InMemoryStore) UpdateLeadStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	l.UpdatedAt = time.Now()
	s.leads[id] = l
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
