// Package meeting ties the channel, device manager, session manager and
// room state into the join/leave lifecycle of a video meeting.
package meeting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/plagzap/meetkit/pkg/room"
)

// Room failure reasons reported by the relay's meeting API. All are fatal
// to a join attempt.
var (
	ErrRoomInvalid = errors.New("meeting code does not exist")
	ErrRoomExpired = errors.New("meeting has expired")
	ErrRoomFull    = errors.New("meeting is at capacity")
	ErrRoomEnded   = errors.New("meeting has ended")
)

// RoomError wraps a meeting API failure with the code it was about.
type RoomError struct {
	Code room.Code
	Err  error
}

func (e *RoomError) Error() string {
	return fmt.Sprintf("room %s: %v", e.Code, e.Err)
}

func (e *RoomError) Unwrap() error { return e.Err }

// API is the REST client for meeting management on the relay.
type API struct {
	base   string
	token  string
	client *http.Client
}

// NewAPI returns a client rooted at base (e.g. "https://relay.example.com"),
// authenticating every request with the bearer token.
func NewAPI(base, token string) *API {
	return &API{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type createMeetingRequest struct {
	Title           string `json:"title"`
	MaxParticipants int    `json:"maxParticipants,omitempty"`
}

type joinMeetingResponse struct {
	Meeting room.Meeting `json:"meeting"`
	WSURL   string       `json:"wsUrl"`
}

// MeetingInfo is a meeting plus its live participant count, as reported
// by a lookup.
type MeetingInfo struct {
	Meeting      room.Meeting `json:"meeting"`
	Participants int          `json:"participants"`
}

type apiError struct {
	Error string `json:"error"`
}

// CreateMeeting creates a meeting and returns its metadata, including the
// generated code. The title is validated locally first.
func (a *API) CreateMeeting(ctx context.Context, title string, maxParticipants int) (*room.Meeting, error) {
	title, err := room.ValidateTitle(title)
	if err != nil {
		return nil, err
	}
	var m room.Meeting
	err = a.do(ctx, http.MethodPost, "/api/meetings", createMeetingRequest{
		Title:           title,
		MaxParticipants: maxParticipants,
	}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMeeting looks up meeting metadata and the live participant count.
func (a *API) GetMeeting(ctx context.Context, code room.Code) (*MeetingInfo, error) {
	var info MeetingInfo
	if err := a.do(ctx, http.MethodGet, "/api/meetings/"+code.String(), nil, &info); err != nil {
		return nil, a.roomErr(code, err)
	}
	return &info, nil
}

// JoinMeeting asks the relay for permission to join. On success it returns
// the meeting metadata and the websocket URL to dial.
func (a *API) JoinMeeting(ctx context.Context, code room.Code) (*room.Meeting, string, error) {
	var resp joinMeetingResponse
	err := a.do(ctx, http.MethodPost, "/api/meetings/"+code.String()+"/join", nil, &resp)
	if err != nil {
		return nil, "", a.roomErr(code, err)
	}
	return &resp.Meeting, resp.WSURL, nil
}

// EndMeeting ends a meeting. Only the creator may do this; everyone in the
// room receives room-ended over the channel.
func (a *API) EndMeeting(ctx context.Context, code room.Code) error {
	if err := a.do(ctx, http.MethodDelete, "/api/meetings/"+code.String(), nil, nil); err != nil {
		return a.roomErr(code, err)
	}
	return nil
}

// MyMeetings lists meetings created by the authenticated user.
func (a *API) MyMeetings(ctx context.Context) ([]room.Meeting, error) {
	var out []room.Meeting
	if err := a.do(ctx, http.MethodGet, "/api/meetings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// roomErr maps relay error strings onto the sentinel reasons so callers can
// branch with errors.Is.
func (a *API) roomErr(code room.Code, err error) error {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.status == http.StatusNotFound:
			err = ErrRoomInvalid
		case se.status == http.StatusGone:
			err = ErrRoomEnded
		case se.status == http.StatusConflict:
			err = ErrRoomFull
		case se.status == http.StatusForbidden && se.message == "meeting expired":
			err = ErrRoomExpired
		}
	}
	return &RoomError{Code: code, Err: err}
}

type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("relay returned %d: %s", e.status, e.message)
	}
	return fmt.Sprintf("relay returned %d", e.status)
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		_ = json.Unmarshal(data, &ae)
		return &statusError{status: resp.StatusCode, message: ae.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
