// Package testutil provides shared test fixtures: a synthetic capture
// provider, PCM generators and relay helpers.
package testutil

import (
	"fmt"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/plagzap/meetkit/internal/relay"
	"github.com/plagzap/meetkit/pkg/media"
)

// FakeProvider is a synthetic media.Provider. Tracks open instantly and
// produce no frames until the test writes samples itself.
type FakeProvider struct {
	mu sync.Mutex

	// DenyAudio / DenyVideo simulate the user rejecting the permission
	// prompt for that kind.
	DenyAudio bool
	DenyVideo bool

	// Gone lists device ids that enumerate but fail to open, as if
	// unplugged between enumeration and capture.
	Gone map[string]bool

	devices map[media.Kind][]media.DeviceInfo
	opened  []*media.Track
}

// NewFakeProvider returns a provider with one microphone and two cameras.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Gone: make(map[string]bool),
		devices: map[media.Kind][]media.DeviceInfo{
			media.KindAudio: {
				{ID: "mic-1", Label: "Fake Microphone", Kind: media.KindAudio},
			},
			media.KindVideo: {
				{ID: "cam-1", Label: "Fake Camera", Kind: media.KindVideo},
				{ID: "cam-2", Label: "Fake Camera (rear)", Kind: media.KindVideo},
			},
		},
	}
}

func (p *FakeProvider) Devices(kind media.Kind) ([]media.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.DeviceInfo(nil), p.devices[kind]...), nil
}

func (p *FakeProvider) OpenTrack(kind media.Kind, c media.Constraints) (*media.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if (kind == media.KindAudio && p.DenyAudio) || (kind == media.KindVideo && p.DenyVideo) {
		return nil, &media.DeviceError{Kind: kind, DeviceID: c.DeviceID, Err: media.ErrPermissionDenied}
	}

	deviceID := c.DeviceID
	if deviceID == "" {
		list := p.devices[kind]
		if len(list) == 0 {
			return nil, &media.DeviceError{Kind: kind, Err: media.ErrNoDevice}
		}
		deviceID = list[0].ID
	}
	if !p.knownLocked(kind, deviceID) {
		return nil, &media.DeviceError{Kind: kind, DeviceID: deviceID, Err: media.ErrNoDevice}
	}
	if p.Gone[deviceID] {
		return nil, &media.DeviceError{Kind: kind, DeviceID: deviceID, Err: media.ErrDeviceVanished}
	}

	return p.newTrackLocked(kind, deviceID, false)
}

func (p *FakeProvider) OpenDisplay(c media.Constraints) (*media.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newTrackLocked(media.KindVideo, "display", true)
}

// Opened returns every track the provider has handed out, in order.
func (p *FakeProvider) Opened() []*media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*media.Track(nil), p.opened...)
}

func (p *FakeProvider) knownLocked(kind media.Kind, deviceID string) bool {
	for _, d := range p.devices[kind] {
		if d.ID == deviceID {
			return true
		}
	}
	return false
}

func (p *FakeProvider) newTrackLocked(kind media.Kind, deviceID string, display bool) (*media.Track, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kind == media.KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}
	id := fmt.Sprintf("fake-%s-%d", deviceID, len(p.opened))
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, "fake-stream")
	if err != nil {
		return nil, &media.DeviceError{Kind: kind, DeviceID: deviceID, Err: err}
	}
	t := media.NewTrack(id, kind, deviceID, display, local)
	p.opened = append(p.opened, t)
	return t, nil
}

// SineWave generates 16-bit PCM of a sine at the given frequency and
// amplitude (0..1).
func SineWave(freq float64, amplitude float64, sampleRate, samples int) []int16 {
	out := make([]int16, samples)
	for i := range out {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		out[i] = int16(v * math.MaxInt16)
	}
	return out
}

// Silence generates 16-bit PCM of zeros.
func Silence(samples int) []int16 {
	return make([]int16, samples)
}

// JWTSecret is the signing secret test relays are configured with.
const JWTSecret = "test-secret"

// MintToken issues a bearer token the test relay accepts.
func MintToken(tb testing.TB, userID, userName string) string {
	tb.Helper()
	claims := relay.Claims{
		UserID:   userID,
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(JWTSecret))
	if err != nil {
		tb.Fatalf("signing token: %v", err)
	}
	return signed
}

// StartRelay spins up an in-process relay over an in-memory store,
// returning its base HTTP URL. The server is torn down with the test.
func StartRelay(tb testing.TB) string {
	return StartRelayTTL(tb, time.Hour)
}

// StartRelayTTL is StartRelay with a custom meeting lifetime, for tests
// that need stored meetings to expire quickly.
func StartRelayTTL(tb testing.TB, ttl time.Duration) string {
	tb.Helper()
	cfg := &relay.Config{
		Port:           "0",
		Environment:    "production",
		AllowedOrigins: []string{"http://localhost"},
		JWTSecret:      JWTSecret,
		MeetingTTL:     ttl,
	}
	srv := relay.NewServer(cfg, relay.NewMemoryStore(cfg.MeetingTTL))
	ts := httptest.NewServer(srv.Handler())
	tb.Cleanup(ts.Close)
	return ts.URL
}

// WSURL converts an http(s) test-server URL to its ws(s) form.
func WSURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws"
}
