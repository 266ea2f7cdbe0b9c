// Package wire defines the signaling messages exchanged between meeting
// clients and the relay. The relay never inspects negotiation payloads; it
// only routes them by target session id.
package wire

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Type identifies a signaling message.
type Type string

const (
	// Client -> relay.
	TypeJoinRoom Type = "join-room"
	TypeLeave    Type = "leave"

	// Relay -> client.
	TypeJoined     Type = "joined"    // join ack, carries the assigned session id
	TypeAllUsers   Type = "all-users" // participants already present at join time
	TypeUserJoined Type = "user-joined"
	TypeUserLeft   Type = "user-left"
	TypeRoomEnded  Type = "room-ended"
	TypeError      Type = "error"

	// Client <-> relay <-> client, routed by To.
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"

	// Client <-> relay <-> room broadcast.
	TypeChatMessage Type = "chat-message"
	TypeHandRaised  Type = "hand-raised"
	TypeReaction    Type = "reaction-sent"
	TypeMediaState  Type = "media-state"
)

// ParticipantInfo describes one participant as reported by the relay.
type ParticipantInfo struct {
	SessionID     string `json:"sessionId"`
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	AudioEnabled  bool   `json:"audioEnabled"`
	VideoEnabled  bool   `json:"videoEnabled"`
	HandRaised    bool   `json:"handRaised"`
	ScreenSharing bool   `json:"screenSharing"`
}

// MediaFlags carries a participant's local media-state change.
type MediaFlags struct {
	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

// Message is the single frame type carried over the signaling channel.
// Exactly one payload field is populated depending on Type; the rest are
// omitted on the wire.
type Message struct {
	Type Type   `json:"type"`
	From string `json:"from,omitempty"` // sender session id, relay-stamped
	To   string `json:"to,omitempty"`   // target session id for routed types
	Room string `json:"room,omitempty"` // meeting code

	// Join handshake.
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`

	// Relay -> client session assignment and rosters.
	SessionID    string            `json:"sessionId,omitempty"`
	Participants []ParticipantInfo `json:"participants,omitempty"`

	// Negotiation payloads (opaque to the relay).
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// Room-scoped broadcasts.
	Text      string      `json:"text,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitzero"`
	Value     bool        `json:"value,omitempty"` // hand-raised up/down
	Reaction  string      `json:"reaction,omitempty"`
	Media     *MediaFlags `json:"media,omitempty"`

	Error string `json:"error,omitempty"`
}

// Marshal serializes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a signaling frame.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// IsNegotiation reports whether the message carries a negotiation payload
// that must be routed to a specific peer session.
func (m *Message) IsNegotiation() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	default:
		return false
	}
}
