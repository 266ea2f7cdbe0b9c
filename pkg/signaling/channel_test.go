package signaling_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/plagzap/meetkit/internal/testutil"
	"github.com/plagzap/meetkit/pkg/meeting"
	"github.com/plagzap/meetkit/pkg/room"
	"github.com/plagzap/meetkit/pkg/signaling"
	"github.com/plagzap/meetkit/pkg/wire"
)

func startMeeting(t *testing.T) (base string, code room.Code) {
	t.Helper()
	base = testutil.StartRelay(t)
	token := testutil.MintToken(t, "creator", "Creator")
	m, err := meeting.NewAPI(base, token).CreateMeeting(context.Background(), "test room", 4)
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	return base, m.Code
}

func dialAndJoin(t *testing.T, base string, code room.Code, userID, userName string) *signaling.Channel {
	t.Helper()
	token := testutil.MintToken(t, userID, userName)
	ch, err := signaling.Dial(context.Background(), testutil.WSURL(base), token)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	base, _ := startMeeting(t)

	_, err := signaling.Dial(context.Background(), testutil.WSURL(base), "garbage")
	if !errors.Is(err, signaling.ErrAuthRejected) {
		t.Fatalf("Dial err = %v, want ErrAuthRejected", err)
	}
}

func TestJoinAssignsSessionID(t *testing.T) {
	base, code := startMeeting(t)
	ch := dialAndJoin(t, base, code, "user-a", "Alice")

	joined := make(chan string, 1)
	roster := make(chan []wire.ParticipantInfo, 1)
	ch.Events.OnJoined = func(id string) { joined <- id }
	ch.Events.OnAllUsers = func(users []wire.ParticipantInfo) { roster <- users }

	if err := ch.JoinRoom(code, "user-a", "Alice", wire.MediaFlags{AudioEnabled: true}); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	id := recv(t, joined, "joined ack")
	if id == "" {
		t.Fatal("empty session id")
	}
	if got := ch.SessionID(); got != id {
		t.Errorf("SessionID = %q, want %q", got, id)
	}
	if users := recv(t, roster, "all-users"); len(users) != 0 {
		t.Errorf("first joiner saw %d existing users, want 0", len(users))
	}
}

func TestJoinRejectsUnknownRoom(t *testing.T) {
	base, _ := startMeeting(t)
	ch := dialAndJoin(t, base, room.Code("ZZZ-ZZZZ-ZZZ"), "user-a", "Alice")

	gone := make(chan error, 1)
	ch.Events.OnDisconnect = func(err error) { gone <- err }

	if err := ch.JoinRoom(room.Code("ZZZ-ZZZZ-ZZZ"), "user-a", "Alice", wire.MediaFlags{}); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	// The relay refuses the handshake and closes; the channel must report
	// the disconnect instead of retrying the doomed join.
	err := recv(t, gone, "disconnect after join rejection")
	if err == nil {
		t.Fatal("disconnect error is nil")
	}
}

// joinTwo puts two channels in the same room and returns them once both
// know their session ids and see each other.
func joinTwo(t *testing.T) (a, b *signaling.Channel) {
	t.Helper()
	base, code := startMeeting(t)

	a = dialAndJoin(t, base, code, "user-a", "Alice")
	aJoined := make(chan string, 1)
	aSees := make(chan wire.ParticipantInfo, 1)
	a.Events.OnJoined = func(id string) { aJoined <- id }
	a.Events.OnUserJoined = func(u wire.ParticipantInfo) { aSees <- u }
	if err := a.JoinRoom(code, "user-a", "Alice", wire.MediaFlags{AudioEnabled: true}); err != nil {
		t.Fatalf("a JoinRoom: %v", err)
	}
	recv(t, aJoined, "a joined")

	b = dialAndJoin(t, base, code, "user-b", "Bob")
	bJoined := make(chan string, 1)
	bRoster := make(chan []wire.ParticipantInfo, 1)
	b.Events.OnJoined = func(id string) { bJoined <- id }
	b.Events.OnAllUsers = func(users []wire.ParticipantInfo) { bRoster <- users }
	if err := b.JoinRoom(code, "user-b", "Bob", wire.MediaFlags{}); err != nil {
		t.Fatalf("b JoinRoom: %v", err)
	}
	recv(t, bJoined, "b joined")

	// b's all-users names a; a hears user-joined for b.
	users := recv(t, bRoster, "b all-users")
	if len(users) != 1 || users[0].SessionID != a.SessionID() {
		t.Fatalf("b roster = %+v, want just a", users)
	}
	if !users[0].AudioEnabled {
		t.Error("a's initial media flags not carried in the roster")
	}
	u := recv(t, aSees, "a user-joined")
	if u.SessionID != b.SessionID() || u.UserName != "Bob" {
		t.Fatalf("a saw %+v, want b", u)
	}
	return a, b
}

func TestNegotiationPayloadsAreRouted(t *testing.T) {
	a, b := joinTwo(t)

	offers := make(chan string, 1)
	a.Events.OnOffer = func(from string, sdp webrtc.SessionDescription) {
		if sdp.SDP == "v=0\r\n" {
			offers <- from
		}
	}
	answers := make(chan string, 1)
	b.Events.OnAnswer = func(from string, sdp webrtc.SessionDescription) { answers <- from }

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	if err := b.SendOffer(a.SessionID(), offer); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if from := recv(t, offers, "offer at a"); from != b.SessionID() {
		t.Errorf("offer From = %q, want b's session id", from)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	if err := a.SendAnswer(b.SessionID(), answer); err != nil {
		t.Fatalf("SendAnswer: %v", err)
	}
	if from := recv(t, answers, "answer at b"); from != a.SessionID() {
		t.Errorf("answer From = %q, want a's session id", from)
	}
}

func TestChatFanoutAndSanitization(t *testing.T) {
	a, b := joinTwo(t)

	msgs := make(chan room.ChatMessage, 1)
	b.Events.OnChat = func(m room.ChatMessage) { msgs <- m }

	// The relay strips markup again server-side.
	if err := a.SendChat("<b>hello</b> bob"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	m := recv(t, msgs, "chat at b")
	if m.Text != "hello bob" {
		t.Errorf("Text = %q, want sanitized", m.Text)
	}
	if m.SenderID != a.SessionID() || m.SenderName != "Alice" {
		t.Errorf("sender = %s/%s, want a/Alice", m.SenderID, m.SenderName)
	}
	if m.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestPresenceBroadcasts(t *testing.T) {
	a, b := joinTwo(t)

	hands := make(chan bool, 1)
	flags := make(chan wire.MediaFlags, 1)
	b.Events.OnHandRaised = func(id string, raised bool) {
		if id == a.SessionID() {
			hands <- raised
		}
	}
	b.Events.OnMediaState = func(id string, f wire.MediaFlags) {
		if id == a.SessionID() {
			flags <- f
		}
	}

	if err := a.SendHandRaised(true); err != nil {
		t.Fatalf("SendHandRaised: %v", err)
	}
	if raised := recv(t, hands, "hand-raised at b"); !raised {
		t.Error("hand raised = false, want true")
	}

	if err := a.SendMediaState(wire.MediaFlags{VideoEnabled: true}); err != nil {
		t.Fatalf("SendMediaState: %v", err)
	}
	if f := recv(t, flags, "media-state at b"); !f.VideoEnabled || f.AudioEnabled {
		t.Errorf("flags = %+v", f)
	}
}

func TestLeaveNotifiesPeers(t *testing.T) {
	a, b := joinTwo(t)

	left := make(chan string, 1)
	b.Events.OnUserLeft = func(id string) { left <- id }

	aID := a.SessionID()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if id := recv(t, left, "user-left at b"); id != aID {
		t.Errorf("user-left id = %q, want %q", id, aID)
	}

	// Closing again is a no-op.
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
