package staffline

import (
	"sync"
)

// Cache persists the last known conversation list and profile so a client
// can render before the first successful fetch.
type Cache interface {
	PutConversations(userID string, convs []Conversation) error
	Conversations(userID string) ([]Conversation, error)
	PutProfile(p *Profile) error
	// Profile returns nil, nil when nothing is cached for userID.
	Profile(userID string) (*Profile, error)
	Close() error
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory Cache.
type MemoryCache struct {
	mu            sync.RWMutex
	conversations map[string][]Conversation
	profiles      map[string]*Profile
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		conversations: make(map[string][]Conversation),
		profiles:      make(map[string]*Profile),
	}
}

func (s *MemoryCache) PutConversations(userID string, convs []Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[userID] = cloneConversations(convs)
	return nil
}

func (s *MemoryCache) Conversations(userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConversations(s.conversations[userID]), nil
}

func (s *MemoryCache) PutProfile(p *Profile) error {
	if p == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.UserID] = &cp
	return nil
}

func (s *MemoryCache) Profile(userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryCache) Close() error { return nil }

func cloneConversations(convs []Conversation) []Conversation {
	if convs == nil {
		return nil
	}
	out := make([]Conversation, len(convs))
	for i, c := range convs {
		out[i] = c
		out[i].Participants = append([]Participant(nil), c.Participants...)
		if c.LastMessage != nil {
			lm := *c.LastMessage
			out[i].LastMessage = &lm
		}
	}
	return out
}
