package policy

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalRequest is a pending human decision for one gated tool in one
// session. At most one exists per (tool, session) pair at a time.
type ApprovalRequest struct {
	ID         string    `json:"id"`
	ToolID     string    `json:"toolId"`
	SessionKey string    `json:"sessionKey"`
	IntentID   string    `json:"intentId,omitempty"`
	AgentID    string    `json:"agentId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type approvalKey struct {
	toolID     string
	sessionKey string
}

// ApprovalStore tracks recorded approvals and pending requests, both bound
// by a TTL. Everything is in-memory: approvals are conversational state,
// not durable policy.
type ApprovalStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	granted map[approvalKey]time.Time
	pending map[approvalKey]*ApprovalRequest
	now     func() time.Time
}

func NewApprovalStore(ttl time.Duration) *ApprovalStore {
	return &ApprovalStore{
		ttl:     ttl,
		granted: make(map[approvalKey]time.Time),
		pending: make(map[approvalKey]*ApprovalRequest),
		now:     time.Now,
	}
}

// TTL returns the lifetime applied to grants and requests.
func (s *ApprovalStore) TTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// SetTTL changes the lifetime applied to future grants and requests.
func (s *ApprovalStore) SetTTL(ttl time.Duration) {
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// Has reports whether an unexpired approval exists for the pair. Expired
// entries are removed on the way out.
func (s *ApprovalStore) Has(toolID, sessionKey string) bool {
	if sessionKey == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := approvalKey{toolID, sessionKey}
	expiry, ok := s.granted[key]
	if !ok {
		return false
	}
	if s.now().After(expiry) {
		delete(s.granted, key)
		return false
	}
	return true
}

// Record grants an approval and clears any pending request for the pair.
func (s *ApprovalStore) Record(toolID, sessionKey string) {
	if sessionKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := approvalKey{toolID, sessionKey}
	s.granted[key] = s.now().Add(s.ttl)
	delete(s.pending, key)
}

// CreateRequest registers a pending request for the pair, reusing an
// existing unexpired one. Returns nil when the session key is empty, since
// there is no session to answer the request.
func (s *ApprovalStore) CreateRequest(toolID string, pctx Context) *ApprovalRequest {
	sessionKey := pctx.SessionKey()
	if sessionKey == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := approvalKey{toolID, sessionKey}
	if existing, ok := s.pending[key]; ok && s.now().Before(existing.ExpiresAt) {
		return existing
	}

	now := s.now()
	req := &ApprovalRequest{
		ID:         uuid.NewString(),
		ToolID:     toolID,
		SessionKey: sessionKey,
		IntentID:   pctx.IntentID,
		AgentID:    pctx.AgentID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	s.pending[key] = req
	return req
}

// Pending returns the open request for the pair, if any.
func (s *ApprovalStore) Pending(toolID, sessionKey string) (*ApprovalRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := approvalKey{toolID, sessionKey}
	req, ok := s.pending[key]
	if !ok || s.now().After(req.ExpiresAt) {
		delete(s.pending, key)
		return nil, false
	}
	return req, true
}

// Clear drops all grants and pending requests for one session.
func (s *ApprovalStore) Clear(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.granted {
		if key.sessionKey == sessionKey {
			delete(s.granted, key)
		}
	}
	for key := range s.pending {
		if key.sessionKey == sessionKey {
			delete(s.pending, key)
		}
	}
}
