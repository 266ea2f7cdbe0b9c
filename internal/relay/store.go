package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/plagzap/meetkit/pkg/room"
)

var (
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrMeetingEnded    = errors.New("meeting has ended")
	ErrMeetingExpired  = errors.New("meeting expired")
)

// RoomStore persists meeting metadata, keyed by code. Live connection
// state never goes through the store; that belongs to the hub.
type RoomStore interface {
	Create(ctx context.Context, m room.Meeting) error
	Get(ctx context.Context, code room.Code) (room.Meeting, error)
	End(ctx context.Context, code room.Code) error
	ListByCreator(ctx context.Context, creatorID string) ([]room.Meeting, error)
	Close() error
}

// MemoryStore keeps meetings in process memory. Entries expire after the
// TTL the same way the redis store's do.
type MemoryStore struct {
	ttl time.Duration

	mu       sync.RWMutex
	meetings map[room.Code]memoryEntry
}

type memoryEntry struct {
	meeting room.Meeting
	expires time.Time
}

// NewMemoryStore creates a store whose entries live for ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		meetings: make(map[room.Code]memoryEntry),
	}
}

func (s *MemoryStore) Create(_ context.Context, m room.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.Code] = memoryEntry{meeting: m, expires: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, code room.Code) (room.Meeting, error) {
	s.mu.RLock()
	entry, ok := s.meetings[code]
	s.mu.RUnlock()
	if !ok {
		return room.Meeting{}, ErrMeetingNotFound
	}
	if time.Now().After(entry.expires) {
		return room.Meeting{}, ErrMeetingExpired
	}
	return entry.meeting, nil
}

func (s *MemoryStore) End(_ context.Context, code room.Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.meetings[code]
	if !ok {
		return ErrMeetingNotFound
	}
	if time.Now().After(entry.expires) {
		return ErrMeetingExpired
	}
	entry.meeting.Status = room.StatusEnded
	s.meetings[code] = entry
	return nil
}

func (s *MemoryStore) ListByCreator(_ context.Context, creatorID string) ([]room.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []room.Meeting
	now := time.Now()
	for _, entry := range s.meetings {
		if entry.meeting.CreatorID == creatorID && now.Before(entry.expires) {
			out = append(out, entry.meeting)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
