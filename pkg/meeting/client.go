package meeting

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/plagzap/meetkit/pkg/media"
	"github.com/plagzap/meetkit/pkg/room"
	"github.com/plagzap/meetkit/pkg/session"
	"github.com/plagzap/meetkit/pkg/signaling"
	"github.com/plagzap/meetkit/pkg/speaker"
	"github.com/plagzap/meetkit/pkg/wire"
)

// Options configures a meeting client.
type Options struct {
	APIBase  string
	Token    string
	UserID   string
	UserName string

	ICEServers []webrtc.ICEServer
	Provider   media.Provider

	// Requested capture constraints. A device failure on either does not
	// abort the join; the client joins without that kind and the roster
	// flags reflect it.
	Audio *media.Constraints
	Video *media.Constraints
}

// Events are the client-level callbacks. They fire on the signaling read
// loop (plus the speaker detector tick for OnActiveSpeaker), so handlers
// must not block.
type Events struct {
	OnRoster        func(participants []room.Participant)
	OnChat          func(msg room.ChatMessage)
	OnReaction      func(sessionID, senderName, reaction string)
	OnRemoteStream  func(sessionID string, rs *session.RemoteStream)
	OnSessionState  func(sessionID string, st session.State)
	OnActiveSpeaker func(sessionID string)
	OnEnded         func(err error) // nil err means the meeting ended normally
}

// Client is one user's connection to one meeting.
type Client struct {
	opts     Options
	api      *API
	devices  *media.DeviceManager
	detector *speaker.Detector

	Events Events

	mu       sync.Mutex
	meeting  *room.Meeting
	state    *room.State
	channel  *signaling.Channel
	sessions *session.Manager
	joined   bool
}

// NewClient builds a client. Join connects it to a room.
func NewClient(opts Options) *Client {
	c := &Client{
		opts:     opts,
		api:      NewAPI(opts.APIBase, opts.Token),
		devices:  media.NewDeviceManager(opts.Provider),
		detector: speaker.NewDetector(0, 0),
	}
	c.detector.OnChange(func(id string) {
		if c.Events.OnActiveSpeaker != nil {
			c.Events.OnActiveSpeaker(id)
		}
	})
	return c
}

// API exposes the meeting management client, for callers that create or
// list meetings before joining one.
func (c *Client) API() *API { return c.api }

// Devices exposes the device manager for mid-call device switching.
func (c *Client) Devices() *media.DeviceManager { return c.devices }

// Sessions exposes the peer mesh of the joined room. Nil before Join.
func (c *Client) Sessions() *session.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

// Roster returns the current participant snapshot, local first.
func (c *Client) Roster() []room.Participant {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Snapshot()
}

// Meeting returns the joined meeting's metadata.
func (c *Client) Meeting() (room.Meeting, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meeting == nil {
		return room.Meeting{}, false
	}
	return *c.meeting, true
}

// Join connects to the meeting identified by code: permission from the
// meeting API, capture acquisition, channel dial, room announcement. After
// Join returns, sessions are spawned as the roster arrives.
func (c *Client) Join(ctx context.Context, code room.Code) error {
	m, wsURL, err := c.api.JoinMeeting(ctx, code)
	if err != nil {
		return err
	}

	// Device denial degrades the join rather than failing it: drop the
	// failed kind and keep the other.
	if err := c.devices.Acquire(c.opts.Audio, c.opts.Video); err != nil {
		log.Printf("meeting: joining with reduced media: %v", err)
		var de *media.DeviceError
		if errors.As(err, &de) {
			switch {
			case de.Kind == media.KindVideo && c.opts.Audio != nil:
				if err := c.devices.Acquire(c.opts.Audio, nil); err != nil {
					log.Printf("meeting: joining without media: %v", err)
				}
			case de.Kind == media.KindAudio && c.opts.Video != nil:
				if err := c.devices.Acquire(nil, c.opts.Video); err != nil {
					log.Printf("meeting: joining without media: %v", err)
				}
			}
		}
	}

	ch, err := signaling.Dial(ctx, wsURL, c.opts.Token)
	if err != nil {
		c.devices.Stop()
		return err
	}

	sm, err := session.NewManager(session.Config{ICEServers: c.opts.ICEServers}, ch)
	if err != nil {
		_ = ch.Close()
		c.devices.Stop()
		return err
	}
	sm.SetLocalTracks(c.devices.AudioTrack(), c.devices.VideoTrack())

	st := room.NewState(m.Code)

	c.mu.Lock()
	c.meeting = m
	c.state = st
	c.channel = ch
	c.sessions = sm
	c.joined = true
	c.mu.Unlock()

	c.wire(ch, sm, st)

	c.devices.OnReplaceTrack(func(kind media.Kind, t *media.Track) {
		sm.ReplaceTrack(kind, t)
		c.broadcastMediaState()
	})

	ms := c.devices.State()
	if err := ch.JoinRoom(m.Code, c.opts.UserID, c.opts.UserName, wire.MediaFlags{
		AudioEnabled:  ms.AudioEnabled,
		VideoEnabled:  ms.VideoEnabled,
		ScreenSharing: ms.ScreenSharing,
	}); err != nil {
		c.teardown()
		return err
	}

	if at := c.devices.AudioTrack(); at != nil {
		c.detector.Add(&localLevel{id: func() string { return ch.SessionID() }, dm: c.devices})
	}
	c.detector.Start()
	return nil
}

// wire connects channel events to roster, mesh and callbacks. Everything
// here runs on the channel's read loop, preserving per-sender ordering.
func (c *Client) wire(ch *signaling.Channel, sm *session.Manager, st *room.State) {
	sm.OnRemoteStream(func(sessionID string, rs *session.RemoteStream) {
		c.detector.Add(rs)
		if c.Events.OnRemoteStream != nil {
			c.Events.OnRemoteStream(sessionID, rs)
		}
	})
	sm.OnStateChange(func(sessionID string, s session.State) {
		if s == session.StateClosed {
			c.detector.Remove(sessionID)
		}
		if c.Events.OnSessionState != nil {
			c.Events.OnSessionState(sessionID, s)
		}
	})

	ch.Events = signaling.Events{
		OnJoined: func(sessionID string) {
			ms := c.devices.State()
			st.SetLocal(room.Participant{
				SessionID:     sessionID,
				UserID:        c.opts.UserID,
				Name:          c.opts.UserName,
				AudioEnabled:  ms.AudioEnabled,
				VideoEnabled:  ms.VideoEnabled,
				ScreenSharing: ms.ScreenSharing,
			})
			c.rosterChanged(st)
		},
		OnAllUsers: func(users []wire.ParticipantInfo) {
			// Peers present before us: we initiate toward each.
			for _, u := range users {
				st.Upsert(participantFrom(u))
				if _, err := sm.AddInitiator(u.SessionID); err != nil {
					log.Printf("meeting: offer to %s failed: %v", u.SessionID, err)
				}
			}
			c.rosterChanged(st)
		},
		OnUserJoined: func(u wire.ParticipantInfo) {
			// Newcomer initiates; we only prepare to answer.
			st.Upsert(participantFrom(u))
			if _, err := sm.AddResponder(u.SessionID); err != nil {
				log.Printf("meeting: session for %s failed: %v", u.SessionID, err)
			}
			c.rosterChanged(st)
		},
		OnUserLeft: func(sessionID string) {
			sm.Close(sessionID)
			st.Remove(sessionID)
			c.detector.Remove(sessionID)
			c.rosterChanged(st)
		},
		OnOffer: func(from string, sdp webrtc.SessionDescription) {
			if err := sm.HandleOffer(from, sdp); err != nil {
				log.Printf("meeting: offer from %s: %v", from, err)
			}
		},
		OnAnswer: func(from string, sdp webrtc.SessionDescription) {
			if err := sm.HandleAnswer(from, sdp); err != nil {
				log.Printf("meeting: answer from %s: %v", from, err)
			}
		},
		OnCandidate: func(from string, cand webrtc.ICECandidateInit) {
			if err := sm.HandleCandidate(from, cand); err != nil {
				log.Printf("meeting: candidate from %s: %v", from, err)
			}
		},
		OnChat: func(msg room.ChatMessage) {
			if p, ok := st.Get(msg.SenderID); ok && msg.SenderName == "" {
				msg.SenderName = p.Name
			}
			if c.Events.OnChat != nil {
				c.Events.OnChat(msg)
			}
		},
		OnHandRaised: func(sessionID string, raised bool) {
			st.SetHandRaised(sessionID, raised)
			c.rosterChanged(st)
		},
		OnReaction: func(sessionID, senderName, reaction string) {
			if c.Events.OnReaction != nil {
				c.Events.OnReaction(sessionID, senderName, reaction)
			}
		},
		OnMediaState: func(sessionID string, flags wire.MediaFlags) {
			st.SetFlags(sessionID, flags.AudioEnabled, flags.VideoEnabled, flags.ScreenSharing)
			c.rosterChanged(st)
		},
		OnRoomEnded: func() {
			c.teardown()
			if c.Events.OnEnded != nil {
				c.Events.OnEnded(nil)
			}
		},
		OnDisconnect: func(err error) {
			c.teardown()
			if c.Events.OnEnded != nil {
				c.Events.OnEnded(err)
			}
		},
	}
}

func participantFrom(u wire.ParticipantInfo) room.Participant {
	return room.Participant{
		SessionID:     u.SessionID,
		UserID:        u.UserID,
		Name:          u.UserName,
		AudioEnabled:  u.AudioEnabled,
		VideoEnabled:  u.VideoEnabled,
		HandRaised:    u.HandRaised,
		ScreenSharing: u.ScreenSharing,
	}
}

func (c *Client) rosterChanged(st *room.State) {
	if c.Events.OnRoster != nil {
		c.Events.OnRoster(st.Snapshot())
	}
}

// ToggleMic flips the mic and tells the room. Returns the new state.
func (c *Client) ToggleMic() bool {
	on := c.devices.ToggleAudio()
	c.broadcastMediaState()
	return on
}

// ToggleCamera flips the camera and tells the room. While screen sharing
// the camera state cannot change; the current state is returned.
func (c *Client) ToggleCamera() (bool, error) {
	on, err := c.devices.ToggleVideo()
	if err == nil {
		c.broadcastMediaState()
	}
	return on, err
}

// StartScreenShare swaps the outgoing video to a display capture.
func (c *Client) StartScreenShare(constraints media.Constraints) error {
	if err := c.devices.StartScreenShare(constraints); err != nil {
		return err
	}
	c.broadcastMediaState()
	return nil
}

// StopScreenShare restores the camera that was live before sharing.
func (c *Client) StopScreenShare() error {
	if err := c.devices.StopScreenShare(); err != nil {
		return err
	}
	c.broadcastMediaState()
	return nil
}

// SwitchDevice changes the capture device for one kind mid-call.
func (c *Client) SwitchDevice(kind media.Kind, deviceID string) error {
	return c.devices.SwitchDevice(kind, deviceID)
}

// SendChat sanitizes and broadcasts a chat message.
func (c *Client) SendChat(text string) error {
	clean, err := room.SanitizeChat(text)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return signaling.ErrNotConnected
	}
	return ch.SendChat(clean)
}

// SetHandRaised broadcasts the local hand state and updates the roster.
func (c *Client) SetHandRaised(raised bool) error {
	c.mu.Lock()
	ch, st := c.channel, c.state
	c.mu.Unlock()
	if ch == nil {
		return signaling.ErrNotConnected
	}
	if err := ch.SendHandRaised(raised); err != nil {
		return err
	}
	st.SetHandRaised(ch.SessionID(), raised)
	c.rosterChanged(st)
	return nil
}

// SendReaction broadcasts an emoji reaction. Reactions are transient and
// never enter the roster.
func (c *Client) SendReaction(reaction string) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return signaling.ErrNotConnected
	}
	return ch.SendReaction(reaction)
}

func (c *Client) broadcastMediaState() {
	c.mu.Lock()
	ch, st := c.channel, c.state
	c.mu.Unlock()
	if ch == nil {
		return
	}
	ms := c.devices.State()
	if st != nil {
		st.SetLocalFlags(ms.AudioEnabled, ms.VideoEnabled, ms.ScreenSharing)
		c.rosterChanged(st)
	}
	if err := ch.SendMediaState(wire.MediaFlags{
		AudioEnabled:  ms.AudioEnabled,
		VideoEnabled:  ms.VideoEnabled,
		ScreenSharing: ms.ScreenSharing,
	}); err != nil {
		log.Printf("meeting: media-state broadcast failed: %v", err)
	}
}

// End asks the relay to end the meeting for everyone. Creator only.
func (c *Client) End(ctx context.Context) error {
	c.mu.Lock()
	m := c.meeting
	c.mu.Unlock()
	if m == nil {
		return signaling.ErrNotConnected
	}
	return c.api.EndMeeting(ctx, m.Code)
}

// Leave exits the meeting. Capture stops first so no frame is written to a
// closing session, then peer sessions close, then the channel disconnects.
func (c *Client) Leave() {
	c.teardown()
}

func (c *Client) teardown() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	ch, sm := c.channel, c.sessions
	c.channel = nil
	c.mu.Unlock()

	c.detector.Stop()
	c.devices.Stop()
	if sm != nil {
		sm.CloseAll()
	}
	if ch != nil {
		_ = ch.Close()
	}
}

// localLevel adapts the local microphone to the speaker detector, keyed by
// the relay-assigned session id.
type localLevel struct {
	id func() string
	dm *media.DeviceManager
}

func (l *localLevel) ID() string { return l.id() }

func (l *localLevel) AudioLevel() float64 {
	t := l.dm.AudioTrack()
	if t == nil || !t.Enabled() {
		return 0
	}
	return t.AudioLevel()
}
