// Package session maintains one peer connection per remote participant in
// a meeting mesh and drives the offer/answer/ICE exchange over the
// signaling channel.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/plagzap/meetkit/pkg/media"
)

// Errors
var (
	ErrSessionClosed  = errors.New("peer session closed")
	ErrUnknownSession = errors.New("no peer session for sender")
)

// NegotiationError reports a malformed or inapplicable negotiation payload
// for a specific peer session. Not fatal to the meeting: callers surface
// it and keep the remaining sessions alive.
type NegotiationError struct {
	SessionID string
	Err       error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s: %v", e.SessionID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Role determines who sends the first negotiation payload.
type Role int

const (
	// RoleInitiator offers first: used for peers already present when we
	// joined.
	RoleInitiator Role = iota
	// RoleResponder waits for an inbound offer: used for peers that joined
	// after us.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// State of a peer session.
type State int

const (
	StateNegotiating State = iota
	StateConnected
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one peer connection to a remote participant, keyed by that
// participant's relay session id. It lives from peer discovery until the
// peer's relay connection ends.
type Session struct {
	remoteID string
	role     Role
	pc       *webrtc.PeerConnection

	mu    sync.Mutex
	state State
	// Explicit per-kind sender table; track replacement goes through here
	// and never iterates connection internals.
	senders map[media.Kind]*webrtc.RTPSender
	// Remote ICE candidates held until the remote description is applied.
	heldCandidates []webrtc.ICECandidateInit
	remoteSet      bool
	// Outbound candidates held until our first description has been sent,
	// so an initiator's offer always precedes its candidates.
	descriptionSent bool
	outCandidates   []webrtc.ICECandidateInit

	remote *RemoteStream
}

// RemoteID returns the remote participant's session id.
func (s *Session) RemoteID() string { return s.remoteID }

// Role returns the negotiation role.
func (s *Session) Role() Role { return s.role }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteStream returns the remote media stream. Nil until track
// negotiation has delivered the first track.
func (s *Session) RemoteStream() *RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) setState(st State) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == st {
		return false
	}
	s.state = st
	return true
}

// replaceTrack swaps the outgoing track of the given kind. Sessions whose
// sender for that kind is not established skip the replacement cleanly.
func (s *Session) replaceTrack(kind media.Kind, t *media.Track) error {
	s.mu.Lock()
	sender, ok := s.senders[kind]
	closed := s.state == StateClosed
	s.mu.Unlock()

	if !ok || closed {
		return nil
	}
	if t == nil {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(t.Local())
}

// holdOrApplyCandidate applies the candidate if the remote description is
// set, otherwise holds it in arrival order.
func (s *Session) holdOrApplyCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteSet {
		s.heldCandidates = append(s.heldCandidates, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(c)
}

// applyRemoteDescription sets the remote description and flushes candidates
// held while it was missing.
func (s *Session) applyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	held := s.heldCandidates
	s.heldCandidates = nil
	s.remoteSet = true
	s.mu.Unlock()

	for _, c := range held {
		if err := s.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// close tears the connection down. Idempotent: the second close is a no-op.
func (s *Session) close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	remote := s.remote
	s.mu.Unlock()

	if remote != nil {
		remote.stop()
	}
	_ = s.pc.Close()
}
