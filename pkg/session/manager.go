package session

import (
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/plagzap/meetkit/pkg/media"
)

// Unknown-sender negotiation payloads are buffered briefly instead of
// dropped: a signal racing ahead of the user-joined notification is
// replayed once the session exists.
const (
	pendingCap = 32
	pendingTTL = 10 * time.Second
)

// Signaler carries negotiation payloads to a specific remote session via
// the relay.
type Signaler interface {
	SendOffer(to string, sdp webrtc.SessionDescription) error
	SendAnswer(to string, sdp webrtc.SessionDescription) error
	SendCandidate(to string, c webrtc.ICECandidateInit) error
}

// Config for the peer mesh. ICE server URLs are plain configuration;
// operating TURN/STUN infrastructure is a third-party concern.
type Config struct {
	ICEServers []webrtc.ICEServer
}

type pendingSignal struct {
	offer     *webrtc.SessionDescription
	answer    *webrtc.SessionDescription
	candidate *webrtc.ICECandidateInit
	expires   time.Time
}

// Manager exclusively owns the set of peer sessions for one joined room:
// it is the only writer. Inbound signaling is dispatched by sender session
// id; outbound track replacements fan into every open session.
type Manager struct {
	api      *webrtc.API
	cfg      webrtc.Configuration
	signaler Signaler

	mu         sync.Mutex
	sessions   map[string]*Session
	pending    map[string][]pendingSignal
	localAudio *media.Track
	localVideo *media.Track

	onRemoteStream func(sessionID string, rs *RemoteStream)
	onStateChange  func(sessionID string, st State)
}

// NewManager builds a mesh manager. The media engine registers the RFC
// 6464 audio-level extension so remote streams can report speaker energy.
func NewManager(cfg Config, signaler Signaler) (*Manager, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if err := me.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, err
	}

	return &Manager{
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(me)),
		cfg:      webrtc.Configuration{ICEServers: cfg.ICEServers},
		signaler: signaler,
		sessions: make(map[string]*Session),
		pending:  make(map[string][]pendingSignal),
	}, nil
}

// OnRemoteStream registers the callback fired when a session's remote
// stream first arrives.
func (m *Manager) OnRemoteStream(f func(sessionID string, rs *RemoteStream)) {
	m.mu.Lock()
	m.onRemoteStream = f
	m.mu.Unlock()
}

// OnStateChange registers the callback fired on session state transitions.
func (m *Manager) OnStateChange(f func(sessionID string, st State)) {
	m.mu.Lock()
	m.onStateChange = f
	m.mu.Unlock()
}

// SetLocalTracks records the tracks attached to newly created sessions.
// Existing sessions are not touched; use ReplaceTrack for those.
func (m *Manager) SetLocalTracks(audio, video *media.Track) {
	m.mu.Lock()
	m.localAudio = audio
	m.localVideo = video
	m.mu.Unlock()
}

// AddInitiator creates a session toward a peer that was already in the
// room when we joined, and sends the first offer. The offer always goes
// out before any of the session's ICE candidates.
func (m *Manager) AddInitiator(remoteID string) (*Session, error) {
	s, err := m.newSession(remoteID, RoleInitiator)
	if err != nil {
		return nil, err
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		m.Close(remoteID)
		return nil, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		m.Close(remoteID)
		return nil, err
	}
	if err := m.signaler.SendOffer(remoteID, offer); err != nil {
		m.Close(remoteID)
		return nil, err
	}
	m.markDescriptionSent(s)

	m.flushPending(s)
	return s, nil
}

// AddResponder creates a session for a peer that joined after us. A
// responder never sends the first negotiation payload; it waits for the
// initiator's offer.
func (m *Manager) AddResponder(remoteID string) (*Session, error) {
	s, err := m.newSession(remoteID, RoleResponder)
	if err != nil {
		return nil, err
	}
	m.flushPending(s)
	return s, nil
}

func (m *Manager) newSession(remoteID string, role Role) (*Session, error) {
	pc, err := m.api.NewPeerConnection(m.cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		remoteID: remoteID,
		role:     role,
		pc:       pc,
		state:    StateNegotiating,
		senders:  make(map[media.Kind]*webrtc.RTPSender),
	}

	m.mu.Lock()
	localAudio, localVideo := m.localAudio, m.localVideo
	m.mu.Unlock()

	if err := m.addSender(s, media.KindAudio, localAudio); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := m.addSender(s, media.KindVideo, localVideo); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.mu.Lock()
		if !s.descriptionSent {
			s.outCandidates = append(s.outCandidates, init)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err := m.signaler.SendCandidate(remoteID, init); err != nil {
			log.Printf("session %s: send candidate: %v", remoteID, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.handleRemoteTrack(s, track, receiver)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			m.transition(s, StateConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			// No automatic ICE restart: the session stays degraded and the
			// participant is expected to rejoin.
			log.Printf("session %s: transport %s, marking degraded", remoteID, st)
			m.transition(s, StateDegraded)
		}
	})

	m.mu.Lock()
	old := m.sessions[remoteID]
	m.sessions[remoteID] = s
	m.mu.Unlock()

	if old != nil {
		// Replace-on-duplicate: a session id is never held twice. The
		// superseded session goes through the normal close notification so
		// consumers observe its end before the replacement produces events.
		m.closeAndNotify(old)
	}

	return s, nil
}

// closeAndNotify tears a session down and fires the StateClosed
// notification, skipping it when the session was already closed.
func (m *Manager) closeAndNotify(s *Session) {
	if s.State() == StateClosed {
		return
	}
	s.close()
	m.mu.Lock()
	cb := m.onStateChange
	m.mu.Unlock()
	if cb != nil {
		cb(s.remoteID, StateClosed)
	}
}

// addSender attaches the local track of the given kind, or an empty
// transceiver when capture is off, so the sender table always has a handle
// for later replacement.
func (m *Manager) addSender(s *Session, kind media.Kind, t *media.Track) error {
	var sender *webrtc.RTPSender

	if t != nil {
		sn, err := s.pc.AddTrack(t.Local())
		if err != nil {
			return err
		}
		sender = sn
	} else {
		codecType := webrtc.RTPCodecTypeAudio
		if kind == media.KindVideo {
			codecType = webrtc.RTPCodecTypeVideo
		}
		tr, err := s.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return err
		}
		sender = tr.Sender()
	}

	// Drain RTCP so interceptors run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	s.mu.Lock()
	s.senders[kind] = sender
	s.mu.Unlock()
	return nil
}

func (m *Manager) handleRemoteTrack(s *Session, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.mu.Lock()
	rs := s.remote
	created := false
	if rs == nil {
		rs = newRemoteStream(s.remoteID)
		s.remote = rs
		created = true
	}
	s.mu.Unlock()

	rs.addTrack(track, receiver)

	if created {
		m.mu.Lock()
		cb := m.onRemoteStream
		m.mu.Unlock()
		if cb != nil {
			cb(s.remoteID, rs)
		}
	}
}

func (m *Manager) transition(s *Session, st State) {
	if !s.setState(st) {
		return
	}
	m.mu.Lock()
	cb := m.onStateChange
	m.mu.Unlock()
	if cb != nil {
		cb(s.remoteID, st)
	}
}

// markDescriptionSent flushes outbound candidates held back until the
// session's first description went out.
func (m *Manager) markDescriptionSent(s *Session) {
	s.mu.Lock()
	s.descriptionSent = true
	held := s.outCandidates
	s.outCandidates = nil
	s.mu.Unlock()

	for _, c := range held {
		if err := m.signaler.SendCandidate(s.remoteID, c); err != nil {
			log.Printf("session %s: send held candidate: %v", s.remoteID, err)
		}
	}
}

// HandleOffer dispatches an inbound offer to the sender's session,
// producing and sending the answer. Offers for unknown senders are
// buffered.
func (m *Manager) HandleOffer(from string, sdp webrtc.SessionDescription) error {
	s, ok := m.get(from)
	if !ok {
		m.buffer(from, pendingSignal{offer: &sdp})
		return nil
	}
	return m.applyOffer(s, sdp)
}

func (m *Manager) applyOffer(s *Session, sdp webrtc.SessionDescription) error {
	if err := s.applyRemoteDescription(sdp); err != nil {
		return &NegotiationError{SessionID: s.remoteID, Err: err}
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return &NegotiationError{SessionID: s.remoteID, Err: err}
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return &NegotiationError{SessionID: s.remoteID, Err: err}
	}
	if err := m.signaler.SendAnswer(s.remoteID, answer); err != nil {
		return &NegotiationError{SessionID: s.remoteID, Err: err}
	}
	m.markDescriptionSent(s)
	return nil
}

// HandleAnswer applies an inbound answer on the initiator's session.
func (m *Manager) HandleAnswer(from string, sdp webrtc.SessionDescription) error {
	s, ok := m.get(from)
	if !ok {
		m.buffer(from, pendingSignal{answer: &sdp})
		return nil
	}
	if err := s.applyRemoteDescription(sdp); err != nil {
		return &NegotiationError{SessionID: s.remoteID, Err: err}
	}
	return nil
}

// HandleCandidate applies an inbound ICE candidate, holding it if it
// arrives before the corresponding description.
func (m *Manager) HandleCandidate(from string, c webrtc.ICECandidateInit) error {
	s, ok := m.get(from)
	if !ok {
		m.buffer(from, pendingSignal{candidate: &c})
		return nil
	}
	if err := s.holdOrApplyCandidate(c); err != nil {
		return &NegotiationError{SessionID: s.remoteID, Err: err}
	}
	return nil
}

// buffer queues a payload for a not-yet-known sender, pruning expired
// entries and enforcing the per-sender cap.
func (m *Manager) buffer(from string, sig pendingSignal) {
	sig.expires = time.Now().Add(pendingTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.pending[from]
	now := time.Now()
	kept := q[:0]
	for _, p := range q {
		if now.Before(p.expires) {
			kept = append(kept, p)
		}
	}
	if len(kept) >= pendingCap {
		log.Printf("session %s: pending signal buffer full, dropping payload", from)
		m.pending[from] = kept
		return
	}
	log.Printf("session %s: signal before peer discovery, buffering", from)
	m.pending[from] = append(kept, sig)
}

// flushPending replays buffered payloads, in arrival order, for a session
// that now exists.
func (m *Manager) flushPending(s *Session) {
	m.mu.Lock()
	q := m.pending[s.remoteID]
	delete(m.pending, s.remoteID)
	m.mu.Unlock()

	now := time.Now()
	for _, p := range q {
		if now.After(p.expires) {
			log.Printf("session %s: dropping expired buffered signal", s.remoteID)
			continue
		}
		var err error
		switch {
		case p.offer != nil:
			err = m.applyOffer(s, *p.offer)
		case p.answer != nil:
			err = s.applyRemoteDescription(*p.answer)
		case p.candidate != nil:
			err = s.holdOrApplyCandidate(*p.candidate)
		}
		if err != nil {
			log.Printf("session %s: replaying buffered signal: %v", s.remoteID, err)
		}
	}
}

// ReplaceTrack pushes a new outgoing track of the given kind into every
// open session. A nil track removes the outgoing track. Sessions without
// an established sender skip the swap cleanly.
func (m *Manager) ReplaceTrack(kind media.Kind, t *media.Track) {
	m.mu.Lock()
	switch kind {
	case media.KindAudio:
		m.localAudio = t
	case media.KindVideo:
		m.localVideo = t
	}
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.replaceTrack(kind, t); err != nil {
			log.Printf("session %s: replace %s track: %v", s.remoteID, kind, err)
		}
	}
}

// Get returns the session for a remote session id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	return m.get(sessionID)
}

func (m *Manager) get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down the session for the given remote session id and removes
// it from the active set. Closing an unknown or already-closed session is
// a no-op.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	delete(m.pending, sessionID)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.closeAndNotify(s)
}

// CloseAll tears down every session. Second step of leaving a room, after
// local capture stops and before the signaling channel disconnects.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.pending = make(map[string][]pendingSignal)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
