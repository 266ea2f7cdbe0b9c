package session

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/plagzap/meetkit/pkg/media"
)

// recordingSignaler captures outbound payloads and optionally forwards
// them to a peer manager, emulating the relay in-process.
type recordingSignaler struct {
	mu    sync.Mutex
	kinds []string // "offer", "answer", "candidate" in send order

	forwardTo *Manager // peer manager receiving our payloads
	selfID    string   // session id the peer knows us by
}

func (r *recordingSignaler) record(kind string) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *recordingSignaler) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

func (r *recordingSignaler) SendOffer(to string, sdp webrtc.SessionDescription) error {
	r.record("offer")
	if r.forwardTo != nil {
		return r.forwardTo.HandleOffer(r.selfID, sdp)
	}
	return nil
}

func (r *recordingSignaler) SendAnswer(to string, sdp webrtc.SessionDescription) error {
	r.record("answer")
	if r.forwardTo != nil {
		return r.forwardTo.HandleAnswer(r.selfID, sdp)
	}
	return nil
}

func (r *recordingSignaler) SendCandidate(to string, c webrtc.ICECandidateInit) error {
	r.record("candidate")
	if r.forwardTo != nil {
		return r.forwardTo.HandleCandidate(r.selfID, c)
	}
	return nil
}

func newTestManager(t *testing.T, sig Signaler) *Manager {
	t.Helper()
	m, err := NewManager(Config{}, sig)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.CloseAll)
	return m
}

func TestInitiatorOfferPrecedesCandidates(t *testing.T) {
	sig := &recordingSignaler{}
	m := newTestManager(t, sig)

	s, err := m.AddInitiator("peer-1")
	if err != nil {
		t.Fatalf("AddInitiator: %v", err)
	}
	if s.Role() != RoleInitiator {
		t.Errorf("Role = %v, want initiator", s.Role())
	}

	// Give candidate gathering a moment to emit.
	time.Sleep(200 * time.Millisecond)

	kinds := sig.sent()
	if len(kinds) == 0 || kinds[0] != "offer" {
		t.Fatalf("first payload = %v, want offer first", kinds)
	}
	for _, k := range kinds[1:] {
		if k == "offer" {
			t.Errorf("offer sent twice: %v", kinds)
		}
	}
}

func TestResponderSendsNothingFirst(t *testing.T) {
	sig := &recordingSignaler{}
	m := newTestManager(t, sig)

	s, err := m.AddResponder("peer-1")
	if err != nil {
		t.Fatalf("AddResponder: %v", err)
	}
	if s.Role() != RoleResponder {
		t.Errorf("Role = %v, want responder", s.Role())
	}

	time.Sleep(200 * time.Millisecond)

	if kinds := sig.sent(); len(kinds) != 0 {
		t.Errorf("responder sent %v before receiving an offer", kinds)
	}
}

func TestOfferAnswerExchange(t *testing.T) {
	sigA := &recordingSignaler{selfID: "a"}
	sigB := &recordingSignaler{selfID: "b"}
	a := newTestManager(t, sigA)
	b := newTestManager(t, sigB)
	sigA.forwardTo = b
	sigB.forwardTo = a

	// b joined first; a's join notifies it of b (all-users) while b sees
	// a arrive (user-joined).
	if _, err := b.AddResponder("a"); err != nil {
		t.Fatalf("AddResponder: %v", err)
	}
	if _, err := a.AddInitiator("b"); err != nil {
		t.Fatalf("AddInitiator: %v", err)
	}

	aSent := sigA.sent()
	bSent := sigB.sent()
	if len(aSent) == 0 || aSent[0] != "offer" {
		t.Fatalf("a sent %v, want offer first", aSent)
	}
	if len(bSent) == 0 || bSent[0] != "answer" {
		t.Fatalf("b sent %v, want answer first", bSent)
	}
}

func TestSignalsBeforeDiscoveryAreReplayed(t *testing.T) {
	sigA := &recordingSignaler{selfID: "a"}
	sigB := &recordingSignaler{selfID: "b"}
	a := newTestManager(t, sigA)
	b := newTestManager(t, sigB)
	sigA.forwardTo = b
	sigB.forwardTo = a

	// a offers before b has learned about a: the payloads must be
	// buffered and replayed when b creates the session.
	if _, err := a.AddInitiator("b"); err != nil {
		t.Fatalf("AddInitiator: %v", err)
	}
	if b.Len() != 0 {
		t.Fatal("b should not have a session yet")
	}

	if _, err := b.AddResponder("a"); err != nil {
		t.Fatalf("AddResponder: %v", err)
	}

	if bSent := sigB.sent(); len(bSent) == 0 || bSent[0] != "answer" {
		t.Fatalf("b sent %v, want answer from replayed offer", bSent)
	}
}

func TestBufferUnknownSenderCapped(t *testing.T) {
	sig := &recordingSignaler{}
	m := newTestManager(t, sig)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:0 1 UDP 1 127.0.0.1 9 typ host"}
	for i := 0; i < pendingCap+10; i++ {
		if err := m.HandleCandidate("ghost", cand); err != nil {
			t.Fatalf("HandleCandidate: %v", err)
		}
	}
	if m.Len() != 0 {
		t.Error("buffering created a session")
	}

	m.mu.Lock()
	n := len(m.pending["ghost"])
	m.mu.Unlock()
	if n != pendingCap {
		t.Errorf("pending len = %d, want capped at %d", n, pendingCap)
	}
}

func TestNoDuplicateSessionIDs(t *testing.T) {
	sig := &recordingSignaler{}
	m := newTestManager(t, sig)

	var mu sync.Mutex
	var closed []string
	m.OnStateChange(func(id string, st State) {
		if st == StateClosed {
			mu.Lock()
			closed = append(closed, id)
			mu.Unlock()
		}
	})

	s1, err := m.AddResponder("peer-1")
	if err != nil {
		t.Fatalf("AddResponder: %v", err)
	}
	s2, err := m.AddResponder("peer-1")
	if err != nil {
		t.Fatalf("second AddResponder: %v", err)
	}

	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
	got, _ := m.Get("peer-1")
	if got != s2 {
		t.Error("active session is not the replacement")
	}

	if s1.State() != StateClosed {
		t.Errorf("replaced session State = %v, want closed", s1.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(closed) != 1 || closed[0] != "peer-1" {
		t.Errorf("closed notifications = %v, want [peer-1]", closed)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sig := &recordingSignaler{}
	m := newTestManager(t, sig)

	var mu sync.Mutex
	closedEvents := 0
	m.OnStateChange(func(id string, st State) {
		if st == StateClosed {
			mu.Lock()
			closedEvents++
			mu.Unlock()
		}
	})

	s, err := m.AddResponder("peer-1")
	if err != nil {
		t.Fatalf("AddResponder: %v", err)
	}

	m.Close("peer-1")
	m.Close("peer-1")
	m.Close("never-existed")

	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
	if s.State() != StateClosed {
		t.Errorf("State = %v, want closed", s.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if closedEvents != 1 {
		t.Errorf("closed events = %d, want 1", closedEvents)
	}
}

func TestReplaceTrackWithoutSessions(t *testing.T) {
	sig := &recordingSignaler{}
	m := newTestManager(t, sig)

	// Nothing to fan into; must be a clean no-op.
	m.ReplaceTrack(media.KindVideo, nil)
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		val  interface{ String() string }
		want string
	}{
		{StateNegotiating, "negotiating"},
		{StateConnected, "connected"},
		{StateDegraded, "degraded"},
		{StateClosed, "closed"},
		{RoleInitiator, "initiator"},
		{RoleResponder, "responder"},
	}
	for _, tt := range tests {
		if got := tt.val.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
