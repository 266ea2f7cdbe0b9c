package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plagzap/meetkit/pkg/room"
)

func testMeeting(creator string) room.Meeting {
	return room.Meeting{
		Code:            room.GenerateCode(),
		Title:           "standup",
		CreatorID:       creator,
		MaxParticipants: 4,
		Status:          room.StatusActive,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	m := testMeeting("user-1")
	if err := s.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, m.Code)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != m.Title || got.CreatorID != m.CreatorID {
		t.Errorf("Get = %+v, want %+v", got, m)
	}

	if _, err := s.Get(ctx, room.Code("ZZZ-ZZZZ-ZZZ")); !errors.Is(err, ErrMeetingNotFound) {
		t.Errorf("unknown code err = %v, want ErrMeetingNotFound", err)
	}
}

func TestMemoryStoreEnd(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	m := testMeeting("user-1")
	if err := s.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.End(ctx, m.Code); err != nil {
		t.Fatalf("End: %v", err)
	}

	got, err := s.Get(ctx, m.Code)
	if err != nil {
		t.Fatalf("Get after End: %v", err)
	}
	if got.Status != room.StatusEnded {
		t.Errorf("Status = %v, want ended", got.Status)
	}

	if err := s.End(ctx, room.Code("ZZZ-ZZZZ-ZZZ")); !errors.Is(err, ErrMeetingNotFound) {
		t.Errorf("End unknown err = %v, want ErrMeetingNotFound", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	ctx := context.Background()

	m := testMeeting("user-1")
	if err := s.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := s.Get(ctx, m.Code); !errors.Is(err, ErrMeetingExpired) {
		t.Errorf("expired Get err = %v, want ErrMeetingExpired", err)
	}
	if err := s.End(ctx, m.Code); !errors.Is(err, ErrMeetingExpired) {
		t.Errorf("expired End err = %v, want ErrMeetingExpired", err)
	}
	if _, err := s.Get(ctx, room.Code("ZZZ-ZZZZ-ZZZ")); !errors.Is(err, ErrMeetingNotFound) {
		t.Errorf("unknown Get err = %v, want ErrMeetingNotFound", err)
	}
}

func TestMemoryStoreListByCreator(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Create(ctx, testMeeting("user-1")); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := s.Create(ctx, testMeeting("user-2")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mine, err := s.ListByCreator(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListByCreator: %v", err)
	}
	if len(mine) != 3 {
		t.Errorf("len = %d, want 3", len(mine))
	}

	none, err := s.ListByCreator(ctx, "user-3")
	if err != nil {
		t.Fatalf("ListByCreator: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("len = %d, want 0", len(none))
	}
}
