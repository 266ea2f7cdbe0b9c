// Package signaling maintains the persistent message channel to the relay
// service. It carries room membership events and opaque negotiation
// payloads; media never flows through it.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/plagzap/meetkit/pkg/room"
	"github.com/plagzap/meetkit/pkg/wire"
)

// Errors
var (
	ErrNotConnected = errors.New("signaling channel not connected")
	ErrAuthRejected = errors.New("relay rejected credentials")
)

// SignalingError reports a relay transport failure.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// Reconnect policy: bounded exponential backoff with jitter. After the
// last attempt the channel gives up and surfaces a SignalingError.
// Variables so tests can shorten the schedule.
var (
	backoffBase  = 500 * time.Millisecond
	backoffCap   = 15 * time.Second
	maxReconnect = 6
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Events holds the inbound event callbacks. All callbacks fire on the
// single read loop, so events from one sender are always delivered in the
// order the relay sent them.
type Events struct {
	OnJoined     func(sessionID string)
	OnAllUsers   func(users []wire.ParticipantInfo)
	OnUserJoined func(info wire.ParticipantInfo)
	OnUserLeft   func(sessionID string)

	OnOffer     func(from string, sdp webrtc.SessionDescription)
	OnAnswer    func(from string, sdp webrtc.SessionDescription)
	OnCandidate func(from string, c webrtc.ICECandidateInit)

	OnChat       func(msg room.ChatMessage)
	OnHandRaised func(sessionID string, raised bool)
	OnReaction   func(sessionID, senderName, reaction string)
	OnMediaState func(sessionID string, flags wire.MediaFlags)

	OnRoomEnded  func()
	OnDisconnect func(err error)
}

// Channel is a reconnecting websocket client to the relay. One Channel
// serves one room join.
type Channel struct {
	url    string
	token  string
	dialer *websocket.Dialer

	Events Events

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	closed    bool
	lastError string // most recent relay-reported error

	// Join parameters, replayed after a reconnect.
	roomCode room.Code
	userID   string
	userName string
	flags    wire.MediaFlags

	stopPing chan struct{}
}

// Dial connects to the relay, authenticating the handshake with the
// bearer credential.
func Dial(ctx context.Context, url, token string) (*Channel, error) {
	c := &Channel{
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &SignalingError{Op: "dial", Err: ErrAuthRejected}
		}
		return nil, &SignalingError{Op: "dial", Err: err}
	}
	return conn, nil
}

// SessionID returns the relay-assigned session id for this connection.
// Empty until the join ack arrives.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// JoinRoom announces this user to a room and starts the read loop. The
// flags tell the room our initial media state. Events begin firing after
// this call.
func (c *Channel) JoinRoom(code room.Code, userID, userName string, flags wire.MediaFlags) error {
	c.mu.Lock()
	c.roomCode = code
	c.userID = userID
	c.userName = userName
	c.flags = flags
	c.mu.Unlock()

	if err := c.send(&wire.Message{
		Type:     wire.TypeJoinRoom,
		Room:     code.String(),
		UserID:   userID,
		UserName: userName,
		Media:    &flags,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.stopPing = make(chan struct{})
	stop := c.stopPing
	c.mu.Unlock()

	go c.pingLoop(stop)
	go c.readLoop()
	return nil
}

// SendOffer routes an SDP offer to the target session.
func (c *Channel) SendOffer(to string, sdp webrtc.SessionDescription) error {
	return c.send(&wire.Message{Type: wire.TypeOffer, To: to, Offer: &sdp})
}

// SendAnswer routes an SDP answer to the target session.
func (c *Channel) SendAnswer(to string, sdp webrtc.SessionDescription) error {
	return c.send(&wire.Message{Type: wire.TypeAnswer, To: to, Answer: &sdp})
}

// SendCandidate routes an ICE candidate to the target session.
func (c *Channel) SendCandidate(to string, cand webrtc.ICECandidateInit) error {
	return c.send(&wire.Message{Type: wire.TypeICECandidate, To: to, Candidate: &cand})
}

// SendChat broadcasts a chat message to the room. The text must already be
// sanitized (room.SanitizeChat).
func (c *Channel) SendChat(text string) error {
	return c.send(&wire.Message{
		Type:      wire.TypeChatMessage,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

// SendHandRaised broadcasts the local hand-raise state.
func (c *Channel) SendHandRaised(raised bool) error {
	return c.send(&wire.Message{Type: wire.TypeHandRaised, Value: raised})
}

// SendReaction broadcasts an emoji reaction.
func (c *Channel) SendReaction(reaction string) error {
	return c.send(&wire.Message{Type: wire.TypeReaction, Reaction: reaction})
}

// SendMediaState broadcasts the local media flags so remote rosters stay
// in sync without renegotiation.
func (c *Channel) SendMediaState(flags wire.MediaFlags) error {
	return c.send(&wire.Message{Type: wire.TypeMediaState, Media: &flags})
}

func (c *Channel) send(m *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.closed {
		return &SignalingError{Op: "send", Err: ErrNotConnected}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(m); err != nil {
		return &SignalingError{Op: "send", Err: err}
	}
	return nil
}

// Close announces the leave and tears the connection down. Final step of
// leaving a room, after capture has stopped and peer sessions are closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(&wire.Message{Type: wire.TypeLeave})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (c *Channel) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Channel) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		err := c.readFrames(conn)
		if err == nil {
			return // clean shutdown
		}

		c.mu.Lock()
		closed = c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			// The relay refused us (unknown room, capacity, bad join).
			// Reconnecting would only repeat the rejection.
			c.mu.Lock()
			reason := c.lastError
			c.mu.Unlock()
			if reason == "" {
				reason = "relay rejected the connection"
			}
			if c.Events.OnDisconnect != nil {
				c.Events.OnDisconnect(&SignalingError{Op: "join", Err: errors.New(reason)})
			}
			return
		}

		log.Printf("signaling: connection lost: %v, reconnecting", err)
		if rerr := c.reconnect(); rerr != nil {
			if c.Events.OnDisconnect != nil {
				c.Events.OnDisconnect(rerr)
			}
			return
		}
	}
}

func (c *Channel) readFrames(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		msg, err := wire.Unmarshal(data)
		if err != nil {
			log.Printf("signaling: malformed frame: %v", err)
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(msg)
	}
}

// reconnect re-dials with bounded exponential backoff and replays the
// room join. Peers are rediscovered through the fresh all-users roster.
func (c *Channel) reconnect() error {
	var lastErr error
	backoff := backoffBase

	for attempt := 1; attempt <= maxReconnect; attempt++ {
		time.Sleep(backoff + time.Duration(rand.Int63n(int64(backoff/2+1))))
		if backoff *= 2; backoff > backoffCap {
			backoff = backoffCap
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		conn, err := c.dial(context.Background())
		if err != nil {
			lastErr = err
			log.Printf("signaling: reconnect attempt %d/%d failed: %v", attempt, maxReconnect, err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		code, userID, userName, flags := c.roomCode, c.userID, c.userName, c.flags
		c.mu.Unlock()

		if err := c.send(&wire.Message{
			Type:     wire.TypeJoinRoom,
			Room:     code.String(),
			UserID:   userID,
			UserName: userName,
			Media:    &flags,
		}); err != nil {
			lastErr = err
			continue
		}
		log.Printf("signaling: reconnected after %d attempt(s)", attempt)
		return nil
	}
	return &SignalingError{Op: "reconnect", Err: lastErr}
}

func (c *Channel) dispatch(m *wire.Message) {
	ev := &c.Events
	switch m.Type {
	case wire.TypeJoined:
		c.mu.Lock()
		c.sessionID = m.SessionID
		c.mu.Unlock()
		if ev.OnJoined != nil {
			ev.OnJoined(m.SessionID)
		}
	case wire.TypeAllUsers:
		if ev.OnAllUsers != nil {
			ev.OnAllUsers(m.Participants)
		}
	case wire.TypeUserJoined:
		if ev.OnUserJoined != nil && len(m.Participants) == 1 {
			ev.OnUserJoined(m.Participants[0])
		}
	case wire.TypeUserLeft:
		if ev.OnUserLeft != nil {
			ev.OnUserLeft(m.From)
		}
	case wire.TypeOffer:
		if ev.OnOffer != nil && m.Offer != nil {
			ev.OnOffer(m.From, *m.Offer)
		}
	case wire.TypeAnswer:
		if ev.OnAnswer != nil && m.Answer != nil {
			ev.OnAnswer(m.From, *m.Answer)
		}
	case wire.TypeICECandidate:
		if ev.OnCandidate != nil && m.Candidate != nil {
			ev.OnCandidate(m.From, *m.Candidate)
		}
	case wire.TypeChatMessage:
		if ev.OnChat != nil {
			ev.OnChat(room.ChatMessage{
				SenderID:   m.From,
				SenderName: m.UserName,
				Text:       m.Text,
				Timestamp:  m.Timestamp,
			})
		}
	case wire.TypeHandRaised:
		if ev.OnHandRaised != nil {
			ev.OnHandRaised(m.From, m.Value)
		}
	case wire.TypeReaction:
		if ev.OnReaction != nil {
			ev.OnReaction(m.From, m.UserName, m.Reaction)
		}
	case wire.TypeMediaState:
		if ev.OnMediaState != nil && m.Media != nil {
			ev.OnMediaState(m.From, *m.Media)
		}
	case wire.TypeRoomEnded:
		if ev.OnRoomEnded != nil {
			ev.OnRoomEnded()
		}
	case wire.TypeError:
		c.mu.Lock()
		c.lastError = m.Error
		c.mu.Unlock()
		log.Printf("signaling: relay error: %s", m.Error)
	default:
		log.Printf("signaling: unknown message type %q", m.Type)
	}
}
