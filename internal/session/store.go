package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown, ended or expired calls
var ErrNotFound = errors.New("call not found")

// Role identifies who spoke a turn
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a call. Turns are immutable once appended.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Call is a read-only snapshot of a call's state
type Call struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Turns        []Turn
}

// State is the position of a call in the turn cycle, derived from its
// last turn. Alternation is not enforced.
type State string

const (
	StateCreated               State = "created"
	StateAwaitingCallerTurn    State = "awaiting_caller_turn"
	StateAwaitingAssistantTurn State = "awaiting_assistant_turn"
)

// State reports which party is expected to speak next
func (c Call) State() State {
	if len(c.Turns) == 0 {
		return StateCreated
	}
	if c.Turns[len(c.Turns)-1].Role == RoleCaller {
		return StateAwaitingAssistantTurn
	}
	return StateAwaitingCallerTurn
}

// call is the stored, mutable representation of a Call
type call struct {
	mu           sync.Mutex
	id           string
	createdAt    time.Time
	lastActivity time.Time
	turns        []Turn
}

func (c *call) snapshot() Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	turns := make([]Turn, len(c.turns))
	copy(turns, c.turns)
	return Call{
		ID:           c.id,
		CreatedAt:    c.createdAt,
		LastActivity: c.lastActivity,
		Turns:        turns,
	}
}

// Store is the process-wide registry of live calls.
// It holds no state beyond process lifetime.
type Store struct {
	mu    sync.RWMutex
	calls map[string]*call
	now   func() time.Time
}

// NewStore creates an empty call store
func NewStore() *Store {
	return &Store{
		calls: make(map[string]*call),
		now:   time.Now,
	}
}

// Create registers a call with an empty turn sequence and returns its ID
func (s *Store) Create() string {
	return s.register(nil)
}

// CreateWithTurn registers a call whose first turn is already known.
// The call becomes visible to Get only together with that turn.
func (s *Store) CreateWithTurn(turn Turn) string {
	return s.register([]Turn{turn})
}

func (s *Store) register(turns []Turn) string {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	for {
		if _, exists := s.calls[id]; !exists {
			break
		}
		id = uuid.New().String()
	}

	s.calls[id] = &call{
		id:           id,
		createdAt:    now,
		lastActivity: now,
		turns:        turns,
	}
	return id
}

// Get returns a snapshot of the call
func (s *Store) Get(id string) (Call, error) {
	s.mu.RLock()
	c, ok := s.calls[id]
	s.mu.RUnlock()
	if !ok {
		return Call{}, ErrNotFound
	}
	return c.snapshot(), nil
}

// Exists reports whether the call is live
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.calls[id]
	return ok
}

// Append adds one turn to the end of the call's history.
// Returns ErrNotFound if the call is unknown or was removed concurrently.
func (s *Store) Append(id string, turn Turn) error {
	// Hold the read lock across the append so Remove cannot interleave:
	// a turn is either recorded on a live call or not recorded at all.
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}

	c.mu.Lock()
	c.turns = append(c.turns, turn)
	c.lastActivity = s.now()
	c.mu.Unlock()
	return nil
}

// Remove deletes the call. Removing an unknown call is not an error.
// Returns true if a call was removed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls[id]; !ok {
		return false
	}
	delete(s.calls, id)
	return true
}

// Len returns the number of live calls
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}

// Expire removes calls idle since before cutoff and returns their IDs
func (s *Store) Expire(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, c := range s.calls {
		c.mu.Lock()
		idle := c.lastActivity.Before(cutoff)
		c.mu.Unlock()
		if idle {
			delete(s.calls, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// RunExpiry removes calls idle longer than idleTimeout until ctx is done.
// onExpire, if set, is invoked with the IDs removed in each sweep.
func (s *Store) RunExpiry(ctx context.Context, idleTimeout time.Duration, onExpire func(ids []string)) {
	if idleTimeout <= 0 {
		return
	}

	interval := idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.Expire(s.now().Add(-idleTimeout))
			if len(expired) > 0 && onExpire != nil {
				onExpire(expired)
			}
		}
	}
}
