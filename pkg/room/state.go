package room

import (
	"sort"
	"sync"
)

// Participant is one connected user in a room. The session id is assigned
// by the relay per connection and is not stable across reconnects; the user
// id is the durable identity.
type Participant struct {
	SessionID     string
	UserID        string
	Name          string
	AudioEnabled  bool
	VideoEnabled  bool
	HandRaised    bool
	ScreenSharing bool
	IsLocal       bool

	joinSeq uint64
}

// State is the authoritative in-memory roster of a joined room. It is
// mutated only by signaling events and local user actions, and hands out
// copied snapshots so the presentation layer never sees partial updates.
type State struct {
	mu      sync.RWMutex
	code    Code
	local   *Participant
	remote  map[string]*Participant // keyed by session id
	nextSeq uint64
}

// NewState creates an empty roster for the given room code.
func NewState(code Code) *State {
	return &State{
		code:   code,
		remote: make(map[string]*Participant),
	}
}

// Code returns the room code this state belongs to.
func (s *State) Code() Code { return s.code }

// SetLocal records the local participant.
func (s *State) SetLocal(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.IsLocal = true
	s.local = &p
}

// Local returns a copy of the local participant, if set.
func (s *State) Local() (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.local == nil {
		return Participant{}, false
	}
	return *s.local, true
}

// Upsert adds a remote participant, replacing any existing entry with the
// same session id. The roster never holds two entries per session id.
func (s *State) Upsert(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.remote[p.SessionID]; ok {
		p.joinSeq = existing.joinSeq
	} else {
		s.nextSeq++
		p.joinSeq = s.nextSeq
	}
	p.IsLocal = false
	s.remote[p.SessionID] = &p
}

// Remove drops the participant with the given session id. Removing an
// unknown session id is a no-op.
func (s *State) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remote, sessionID)
}

// Get returns a copy of the participant with the given session id.
func (s *State) Get(sessionID string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.remote[sessionID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// SetFlags updates a remote participant's media flags. Unknown session ids
// are ignored.
func (s *State) SetFlags(sessionID string, audio, video, screen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.remote[sessionID]; ok {
		p.AudioEnabled = audio
		p.VideoEnabled = video
		p.ScreenSharing = screen
	}
}

// SetHandRaised updates a remote participant's hand-raise flag.
func (s *State) SetHandRaised(sessionID string, raised bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.remote[sessionID]; ok {
		p.HandRaised = raised
	}
}

// SetLocalFlags updates the local participant's media flags.
func (s *State) SetLocalFlags(audio, video, screen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		s.local.AudioEnabled = audio
		s.local.VideoEnabled = video
		s.local.ScreenSharing = screen
	}
}

// Len returns the number of remote participants.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.remote)
}

// Snapshot returns all participants, local first, remotes in join order.
func (s *State) Snapshot() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	remotes := make([]Participant, 0, len(s.remote))
	for _, p := range s.remote {
		remotes = append(remotes, *p)
	}
	sort.Slice(remotes, func(i, j int) bool {
		return remotes[i].joinSeq < remotes[j].joinSeq
	})

	out := make([]Participant, 0, len(remotes)+1)
	if s.local != nil {
		out = append(out, *s.local)
	}
	return append(out, remotes...)
}
