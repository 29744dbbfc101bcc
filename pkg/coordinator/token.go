package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/wonderhq/wonder/pkg/errors"
)

// TokenStatus is a token's lifecycle state.
type TokenStatus string

const (
	TokenPending        TokenStatus = "pending"
	TokenDispatched     TokenStatus = "dispatched"
	TokenExecuting      TokenStatus = "executing"
	TokenWaitingAtFanIn TokenStatus = "waiting_at_fan_in"
	TokenCompleted      TokenStatus = "completed"
	TokenFailed         TokenStatus = "failed"
	TokenCancelled      TokenStatus = "cancelled"
	TokenTimedOut       TokenStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s TokenStatus) Terminal() bool {
	switch s {
	case TokenCompleted, TokenFailed, TokenCancelled, TokenTimedOut:
		return true
	}
	return false
}

// tokenLifecycle is the allowed transition relation. Moves not listed here
// indicate a coordinator bug and fail as internal errors.
var tokenLifecycle = map[TokenStatus][]TokenStatus{
	TokenPending:        {TokenDispatched, TokenFailed, TokenCancelled},
	TokenDispatched:     {TokenExecuting, TokenCancelled, TokenTimedOut},
	TokenExecuting:      {TokenCompleted, TokenFailed, TokenTimedOut, TokenCancelled, TokenWaitingAtFanIn},
	TokenWaitingAtFanIn: {TokenCompleted, TokenFailed, TokenCancelled},
}

// Token is a moving cursor representing one in-flight branch of execution at
// a specific node. Tokens are owned by their run's actor and never shared
// across runs.
type Token struct {
	ID           string      `json:"tokenId"`
	RunID        string      `json:"runId"`
	NodeRef      string      `json:"nodeRef"`
	Status       TokenStatus `json:"status"`
	ParentID     string      `json:"parentTokenId,omitempty"`
	FanOutRef    string      `json:"fanOutTransitionRef,omitempty"`
	SiblingGroup string      `json:"siblingGroup,omitempty"`
	BranchIndex  int         `json:"branchIndex"`
	BranchTotal  int         `json:"branchTotal"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// TokenManager creates and tracks the tokens of a single run. All calls
// happen inside the run actor; the manager is not safe for concurrent use.
type TokenManager struct {
	runID  string
	clock  func() time.Time
	tokens map[string]*Token
	order  []string
	newID  func() string
}

// NewTokenManager creates a manager for runID. clock may be nil for wall
// time.
func NewTokenManager(runID string, clock func() time.Time) *TokenManager {
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		runID:  runID,
		clock:  clock,
		tokens: make(map[string]*Token),
		newID:  uuid.NewString,
	}
}

// CreateRoot creates the run's first token at nodeRef.
func (m *TokenManager) CreateRoot(nodeRef string) *Token {
	return m.create(nodeRef, "", "", 0, 1)
}

// Continue creates the single continuation token that follows parent across
// a plain transition or a fired barrier.
func (m *TokenManager) Continue(parentID, nodeRef string) *Token {
	return m.create(nodeRef, parentID, "", 0, 1)
}

// FanOut creates count sibling tokens for transitionRef. Siblings share the
// parent and the group ref and receive branch indexes in [0, count).
func (m *TokenManager) FanOut(parent *Token, nodeRef, transitionRef string, count int) []*Token {
	children := make([]*Token, count)
	for i := range count {
		child := m.create(nodeRef, parent.ID, transitionRef, i, count)
		children[i] = child
	}
	return children
}

func (m *TokenManager) create(nodeRef, parentID, groupRef string, index, total int) *Token {
	now := m.clock()
	t := &Token{
		ID:           m.newID(),
		RunID:        m.runID,
		NodeRef:      nodeRef,
		Status:       TokenPending,
		ParentID:     parentID,
		FanOutRef:    groupRef,
		SiblingGroup: groupRef,
		BranchIndex:  index,
		BranchTotal:  total,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.tokens[t.ID] = t
	m.order = append(m.order, t.ID)
	return t
}

// Transition moves token to status, enforcing the lifecycle relation.
func (m *TokenManager) Transition(token *Token, status TokenStatus) error {
	for _, allowed := range tokenLifecycle[token.Status] {
		if allowed == status {
			token.Status = status
			token.UpdatedAt = m.clock()
			return nil
		}
	}
	return errors.Internalf("illegal token transition %s -> %s for token %s at node %s",
		token.Status, status, token.ID, token.NodeRef)
}

// Get returns the token with the given id.
func (m *TokenManager) Get(id string) (*Token, bool) {
	t, ok := m.tokens[id]
	return t, ok
}

// Query returns tokens with the given status in creation order.
func (m *TokenManager) Query(status TokenStatus) []*Token {
	var out []*Token
	for _, id := range m.order {
		if t := m.tokens[id]; t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Active returns the non-terminal tokens in creation order.
func (m *TokenManager) Active() []*Token {
	var out []*Token
	for _, id := range m.order {
		if t := m.tokens[id]; !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out
}

// InFlight reports whether any token still has work pending. The run cannot
// terminate while this holds.
func (m *TokenManager) InFlight() bool {
	for _, t := range m.tokens {
		if !t.Status.Terminal() {
			return true
		}
	}
	return false
}

// All returns every token in creation order.
func (m *TokenManager) All() []*Token {
	out := make([]*Token, len(m.order))
	for i, id := range m.order {
		out[i] = m.tokens[id]
	}
	return out
}

// AnyFailed returns the first token that ended failed or timed out, if any.
func (m *TokenManager) AnyFailed() (*Token, bool) {
	for _, id := range m.order {
		if t := m.tokens[id]; t.Status == TokenFailed || t.Status == TokenTimedOut {
			return t, true
		}
	}
	return nil, false
}
