package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/plagzap/meetkit/pkg/room"
	"github.com/plagzap/meetkit/pkg/wire"
)

const (
	sendQueueSize = 256
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = 54 * time.Second
	joinWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering is applied by middleware.
		return true
	},
}

// Hub routes signaling between the connected clients of each room.
type Hub struct {
	store  RoomStore
	secret string

	mu    sync.Mutex
	rooms map[room.Code]*liveRoom
}

// NewHub creates a hub backed by the given meeting store.
func NewHub(store RoomStore, jwtSecret string) *Hub {
	return &Hub{
		store:  store,
		secret: jwtSecret,
		rooms:  make(map[room.Code]*liveRoom),
	}
}

type liveRoom struct {
	code room.Code
	max  int

	mu      sync.RWMutex
	clients map[string]*client // keyed by session id
}

type client struct {
	sessionID string
	room      *liveRoom
	conn      *websocket.Conn
	send      chan []byte

	mu   sync.Mutex
	info wire.ParticipantInfo
}

// Count reports how many clients are connected to a room right now.
func (h *Hub) Count(code room.Code) int {
	h.mu.Lock()
	lr, ok := h.rooms[code]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return len(lr.clients)
}

// EndRoom tells every client the meeting is over and disconnects them.
func (h *Hub) EndRoom(code room.Code) {
	h.mu.Lock()
	lr, ok := h.rooms[code]
	delete(h.rooms, code)
	h.mu.Unlock()
	if !ok {
		return
	}

	lr.mu.Lock()
	clients := make([]*client, 0, len(lr.clients))
	for _, c := range lr.clients {
		clients = append(clients, c)
	}
	lr.clients = make(map[string]*client)
	lr.mu.Unlock()

	end := mustMarshal(&wire.Message{Type: wire.TypeRoomEnded})
	for _, c := range clients {
		c.enqueue(end)
		close(c.send)
	}
	log.Printf("relay: room %s ended, %d client(s) disconnected", code, len(clients))
}

// ServeWS upgrades the signaling connection. The caller must present a
// valid bearer token; the room is chosen by the join-room message.
func (h *Hub) ServeWS(c *gin.Context) {
	tokenString, err := bearerToken(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	claims, err := parseToken(tokenString, h.secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}

	go h.handshake(conn, claims)
}

// handshake waits for the join-room message, validates the meeting and
// admits the client into its room.
func (h *Hub) handshake(conn *websocket.Conn, claims *Claims) {
	_ = conn.SetReadDeadline(time.Now().Add(joinWait))

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	msg, err := wire.Unmarshal(data)
	if err != nil || msg.Type != wire.TypeJoinRoom {
		rejectAndClose(conn, "expected join-room")
		return
	}

	code, err := room.ParseCode(msg.Room)
	if err != nil {
		rejectAndClose(conn, "invalid meeting code")
		return
	}
	m, err := h.store.Get(context.Background(), code)
	if errors.Is(err, ErrMeetingExpired) {
		rejectAndClose(conn, "meeting expired")
		return
	}
	if err != nil {
		rejectAndClose(conn, "meeting not found")
		return
	}
	if m.Status != room.StatusActive {
		rejectAndClose(conn, "meeting has ended")
		return
	}

	userName := msg.UserName
	if userName == "" {
		userName = claims.UserName
	}

	cl := &client{
		sessionID: uuid.New().String(),
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		info: wire.ParticipantInfo{
			UserID:   claims.UserID,
			UserName: userName,
		},
	}
	cl.info.SessionID = cl.sessionID
	if msg.Media != nil {
		cl.info.AudioEnabled = msg.Media.AudioEnabled
		cl.info.VideoEnabled = msg.Media.VideoEnabled
		cl.info.ScreenSharing = msg.Media.ScreenSharing
	}

	lr, others, ok := h.admit(code, m.MaxParticipants, cl)
	if !ok {
		rejectAndClose(conn, "meeting is at capacity")
		return
	}
	cl.room = lr

	log.Printf("relay: session %s (%s) joined room %s, %d/%d",
		cl.sessionID, userName, code, len(others)+1, m.MaxParticipants)

	// Ack with the assigned session id, then the existing roster. The
	// joiner initiates toward everyone listed in all-users.
	cl.enqueue(mustMarshal(&wire.Message{Type: wire.TypeJoined, SessionID: cl.sessionID}))
	cl.enqueue(mustMarshal(&wire.Message{Type: wire.TypeAllUsers, Participants: others}))

	lr.broadcast(mustMarshal(&wire.Message{
		Type:         wire.TypeUserJoined,
		Participants: []wire.ParticipantInfo{cl.snapshot()},
	}), cl.sessionID)

	go cl.writePump()
	go h.readPump(cl)
}

// admit registers the client unless the room is full.
func (h *Hub) admit(code room.Code, max int, cl *client) (*liveRoom, []wire.ParticipantInfo, bool) {
	if max <= 0 {
		max = room.DefaultMaxMembers
	}

	h.mu.Lock()
	lr, ok := h.rooms[code]
	if !ok {
		lr = &liveRoom{code: code, max: max, clients: make(map[string]*client)}
		h.rooms[code] = lr
	}
	h.mu.Unlock()

	lr.mu.Lock()
	defer lr.mu.Unlock()
	if len(lr.clients) >= lr.max {
		return nil, nil, false
	}
	others := make([]wire.ParticipantInfo, 0, len(lr.clients))
	for _, other := range lr.clients {
		others = append(others, other.snapshot())
	}
	lr.clients[cl.sessionID] = cl
	return lr, others, true
}

func (h *Hub) readPump(cl *client) {
	defer h.disconnect(cl)

	conn := cl.conn
	_ = conn.SetReadDeadline(time.Now().Add(hubPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(hubPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("relay: session %s read error: %v", cl.sessionID, err)
			}
			return
		}

		msg, err := wire.Unmarshal(data)
		if err != nil {
			log.Printf("relay: session %s sent malformed frame: %v", cl.sessionID, err)
			continue
		}

		// The relay is the authority on sender identity.
		msg.From = cl.sessionID

		switch msg.Type {
		case wire.TypeOffer, wire.TypeAnswer, wire.TypeICECandidate:
			// Opaque payloads routed by target session id.
			if msg.To == "" {
				continue
			}
			cl.room.sendTo(mustMarshal(msg), msg.To)

		case wire.TypeChatMessage:
			text, err := room.SanitizeChat(msg.Text)
			if err != nil {
				continue
			}
			msg.Text = text
			msg.UserName = cl.userName()
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			cl.room.broadcast(mustMarshal(msg), cl.sessionID)

		case wire.TypeHandRaised:
			cl.setHandRaised(msg.Value)
			cl.room.broadcast(mustMarshal(msg), cl.sessionID)

		case wire.TypeReaction:
			msg.UserName = cl.userName()
			cl.room.broadcast(mustMarshal(msg), cl.sessionID)

		case wire.TypeMediaState:
			if msg.Media == nil {
				continue
			}
			cl.setMediaFlags(*msg.Media)
			cl.room.broadcast(mustMarshal(msg), cl.sessionID)

		case wire.TypeLeave:
			return

		default:
			log.Printf("relay: session %s sent unknown type %q", cl.sessionID, msg.Type)
		}
	}
}

// disconnect removes the client and tells the room. The last one out ends
// the meeting.
func (h *Hub) disconnect(cl *client) {
	cl.conn.Close()

	lr := cl.room
	lr.mu.Lock()
	if _, ok := lr.clients[cl.sessionID]; !ok {
		lr.mu.Unlock()
		return // already removed by EndRoom
	}
	delete(lr.clients, cl.sessionID)
	empty := len(lr.clients) == 0
	lr.mu.Unlock()

	close(cl.send)
	lr.broadcast(mustMarshal(&wire.Message{Type: wire.TypeUserLeft, From: cl.sessionID}), cl.sessionID)
	log.Printf("relay: session %s left room %s", cl.sessionID, lr.code)

	if empty {
		h.mu.Lock()
		delete(h.rooms, lr.code)
		h.mu.Unlock()
		if err := h.store.End(context.Background(), lr.code); err != nil {
			log.Printf("relay: ending empty room %s: %v", lr.code, err)
		} else {
			log.Printf("relay: room %s empty, meeting ended", lr.code)
		}
	}
}

func (r *liveRoom) broadcast(data []byte, excludeID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, cl := range r.clients {
		if id != excludeID {
			cl.enqueue(data)
		}
	}
}

func (r *liveRoom) sendTo(data []byte, targetID string) {
	r.mu.RLock()
	cl, ok := r.clients[targetID]
	r.mu.RUnlock()
	if !ok {
		log.Printf("relay: target session %s not in room %s", targetID, r.code)
		return
	}
	cl.enqueue(data)
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("relay: session %s send queue full, dropping frame", c.sessionID)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) snapshot() wire.ParticipantInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *client) userName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.UserName
}

func (c *client) setHandRaised(raised bool) {
	c.mu.Lock()
	c.info.HandRaised = raised
	c.mu.Unlock()
}

func (c *client) setMediaFlags(f wire.MediaFlags) {
	c.mu.Lock()
	c.info.AudioEnabled = f.AudioEnabled
	c.info.VideoEnabled = f.VideoEnabled
	c.info.ScreenSharing = f.ScreenSharing
	c.mu.Unlock()
}

func rejectAndClose(conn *websocket.Conn, reason string) {
	msg := mustMarshal(&wire.Message{Type: wire.TypeError, Error: reason})
	_ = conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
	_ = conn.WriteMessage(websocket.TextMessage, msg)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	conn.Close()
}

func mustMarshal(m *wire.Message) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("relay: marshal failed: %v", err)
		return []byte(`{"type":"error","error":"internal"}`)
	}
	return data
}
