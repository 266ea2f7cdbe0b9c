package meeting_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/plagzap/meetkit/internal/testutil"
	"github.com/plagzap/meetkit/pkg/meeting"
	"github.com/plagzap/meetkit/pkg/room"
)

func newAPI(t *testing.T, userID, userName string) (*meeting.API, string) {
	t.Helper()
	base := testutil.StartRelay(t)
	return meeting.NewAPI(base, testutil.MintToken(t, userID, userName)), base
}

func TestCreateMeetingValidatesLocally(t *testing.T) {
	api, _ := newAPI(t, "user-1", "Alice")
	ctx := context.Background()

	if _, err := api.CreateMeeting(ctx, "  ", 4); !errors.Is(err, room.ErrEmptyTitle) {
		t.Errorf("blank title err = %v, want ErrEmptyTitle", err)
	}
	long := strings.Repeat("x", room.MaxTitleLen+1)
	if _, err := api.CreateMeeting(ctx, long, 4); !errors.Is(err, room.ErrTitleTooLong) {
		t.Errorf("long title err = %v, want ErrTitleTooLong", err)
	}
}

func TestCreateAndLookup(t *testing.T) {
	api, _ := newAPI(t, "user-1", "Alice")
	ctx := context.Background()

	m, err := api.CreateMeeting(ctx, "retro", 6)
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	if m.Title != "retro" || m.MaxParticipants != 6 || m.Status != room.StatusActive {
		t.Errorf("meeting = %+v", m)
	}

	info, err := api.GetMeeting(ctx, m.Code)
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if info.Meeting.Code != m.Code || info.Participants != 0 {
		t.Errorf("info = %+v", info)
	}
}

func TestUnknownCodeIsRoomInvalid(t *testing.T) {
	api, _ := newAPI(t, "user-1", "Alice")

	_, err := api.GetMeeting(context.Background(), room.Code("ZZZ-ZZZZ-ZZZ"))
	if !errors.Is(err, meeting.ErrRoomInvalid) {
		t.Fatalf("err = %v, want ErrRoomInvalid", err)
	}

	var re *meeting.RoomError
	if !errors.As(err, &re) {
		t.Fatal("error is not a *RoomError")
	}
	if re.Code != room.Code("ZZZ-ZZZZ-ZZZ") {
		t.Errorf("RoomError.Code = %q", re.Code)
	}
}

func TestJoinEndedIsRoomEnded(t *testing.T) {
	api, _ := newAPI(t, "user-1", "Alice")
	ctx := context.Background()

	m, err := api.CreateMeeting(ctx, "short-lived", 4)
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	if err := api.EndMeeting(ctx, m.Code); err != nil {
		t.Fatalf("EndMeeting: %v", err)
	}

	if _, _, err := api.JoinMeeting(ctx, m.Code); !errors.Is(err, meeting.ErrRoomEnded) {
		t.Errorf("join ended err = %v, want ErrRoomEnded", err)
	}
}

func TestJoinExpiredIsRoomExpired(t *testing.T) {
	base := testutil.StartRelayTTL(t, 20*time.Millisecond)
	api := meeting.NewAPI(base, testutil.MintToken(t, "user-1", "Alice"))
	ctx := context.Background()

	m, err := api.CreateMeeting(ctx, "stale", 4)
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	if _, _, err := api.JoinMeeting(ctx, m.Code); !errors.Is(err, meeting.ErrRoomExpired) {
		t.Errorf("join expired err = %v, want ErrRoomExpired", err)
	}
}

func TestJoinReturnsChannelURL(t *testing.T) {
	api, _ := newAPI(t, "user-1", "Alice")
	ctx := context.Background()

	m, err := api.CreateMeeting(ctx, "standup", 4)
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	got, wsURL, err := api.JoinMeeting(ctx, m.Code)
	if err != nil {
		t.Fatalf("JoinMeeting: %v", err)
	}
	if got.Code != m.Code {
		t.Errorf("meeting code = %q, want %q", got.Code, m.Code)
	}
	if !strings.HasPrefix(wsURL, "ws") {
		t.Errorf("wsUrl = %q", wsURL)
	}
}

func TestMyMeetings(t *testing.T) {
	api, _ := newAPI(t, "user-1", "Alice")
	ctx := context.Background()

	if _, err := api.CreateMeeting(ctx, "one", 4); err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	if _, err := api.CreateMeeting(ctx, "two", 4); err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}

	mine, err := api.MyMeetings(ctx)
	if err != nil {
		t.Fatalf("MyMeetings: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("len = %d, want 2", len(mine))
	}
}
