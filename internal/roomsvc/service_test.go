package roomsvc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/voicemesh/internal/ai"
	"github.com/mossy-p/voicemesh/internal/arbiter"
	"github.com/mossy-p/voicemesh/internal/clock"
	"github.com/mossy-p/voicemesh/internal/mesh"
	"github.com/mossy-p/voicemesh/internal/models"
)

type fakeRoster struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (r *fakeRoster) AddPeer(_ context.Context, _, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, peerID)
	return nil
}

func (r *fakeRoster) RemovePeer(_ context.Context, _, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, peerID)
	return nil
}

type fakeProvider struct {
	ev       ai.Events
	ready    chan struct{}
	triggers chan struct{}
	cancels  chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		ready:    make(chan struct{}),
		triggers: make(chan struct{}, 8),
		cancels:  make(chan struct{}, 8),
	}
}

func (p *fakeProvider) factory(_ context.Context, ev ai.Events) (ai.Provider, error) {
	p.ev = ev
	close(p.ready)
	return p, nil
}

func (p *fakeProvider) SendAudio(context.Context, []byte) error { return nil }
func (p *fakeProvider) CommitAudio(context.Context) error       { return nil }
func (p *fakeProvider) TriggerResponse(context.Context) error {
	p.triggers <- struct{}{}
	return nil
}
func (p *fakeProvider) CancelResponse(context.Context) error {
	p.cancels <- struct{}{}
	return nil
}
func (p *fakeProvider) Close() error { return nil }

type fakeLinkTransport struct {
	mu         sync.Mutex
	remoteDesc *webrtc.SessionDescription
	closed     bool
}

func (t *fakeLinkTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "agent-offer"}, nil
}

func (t *fakeLinkTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "agent-answer"}, nil
}

func (t *fakeLinkTransport) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (t *fakeLinkTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteDesc = &sdp
	return nil
}

func (t *fakeLinkTransport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (t *fakeLinkTransport) AddAudioTrack(webrtc.TrackLocal) error         { return nil }
func (t *fakeLinkTransport) RemoveAudioTracks() error                      { return nil }

func (t *fakeLinkTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeLinkFactory struct {
	mu      sync.Mutex
	created map[string]*fakeLinkTransport
}

func (f *fakeLinkFactory) New(remote string, _ mesh.TransportEvents) (mesh.PeerTransport, error) {
	t := &fakeLinkTransport{}
	f.mu.Lock()
	f.created[remote] = t
	f.mu.Unlock()
	return t, nil
}

func (f *fakeLinkFactory) get(remote string) *fakeLinkTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[remote]
}

type fixture struct {
	svc      *Service
	roster   *fakeRoster
	provider *fakeProvider
	factory  *fakeLinkFactory
	srv      *httptest.Server
	room     *models.RoomMetadata
}

func newFixture(t *testing.T, settings models.VoiceSettings) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	f := &fixture{
		roster:   &fakeRoster{},
		provider: newFakeProvider(),
		factory:  &fakeLinkFactory{created: make(map[string]*fakeLinkTransport)},
		room:     &models.RoomMetadata{ID: "room-1", Code: "ABCD23", Settings: settings},
	}
	arb := arbiter.NewService(clock.NewMock(), logger)
	f.svc = New(f.roster, arb, f.factory.New, f.provider.factory, logger)
	t.Cleanup(f.svc.Close)

	upgrader := gws.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		peer := r.URL.Query().Get("peer")
		f.svc.Join(f.room, peer, "name-"+peer, conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) dial(t *testing.T, peerID string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?peer=" + peerID
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) waitProvider(t *testing.T) {
	t.Helper()
	select {
	case <-f.provider.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("agent session never dialed")
	}
}

// waitFor reads until a message satisfies the predicate, skipping everything
// else the server pushes in between.
func waitFor(t *testing.T, conn *gws.Conn, what string, match func(models.SignalMessage) bool) models.SignalMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		var msg models.SignalMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if match(msg) {
			return msg
		}
	}
}

func openSettings() models.VoiceSettings {
	s := models.VoiceSettings{
		Mode:           models.ModeOpen,
		EnableQueue:    true,
		AllowInterrupt: true,
	}
	s.Normalize()
	return s
}

func TestJoinHandshake(t *testing.T) {
	f := newFixture(t, openSettings())
	conn := f.dial(t, "peer-1")

	waitFor(t, conn, "join confirmation", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeJoin && m.From == "peer-1"
	})
	waitFor(t, conn, "agent introduction", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeJoin && m.From == AgentPeerID
	})
	msg := waitFor(t, conn, "state snapshot", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeAIState
	})
	var state models.AIStatePayload
	if err := json.Unmarshal(msg.Payload, &state); err != nil {
		t.Fatal(err)
	}
	if state.State != "idle" {
		t.Fatalf("initial state = %s, want idle", state.State)
	}

	// The agent's id sorts above "peer-1", so the agent offers.
	waitFor(t, conn, "agent offer", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeOffer && m.From == AgentPeerID
	})

	f.roster.mu.Lock()
	defer f.roster.mu.Unlock()
	if len(f.roster.added) != 1 || f.roster.added[0] != "peer-1" {
		t.Fatalf("roster adds = %v, want [peer-1]", f.roster.added)
	}
}

func TestJoinConfirmationListsExistingPeers(t *testing.T) {
	f := newFixture(t, openSettings())
	conn1 := f.dial(t, "peer-1")
	first := waitFor(t, conn1, "join confirmation", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeJoin && m.From == "peer-1"
	})
	var roster models.RosterPayload
	if err := json.Unmarshal(first.Payload, &roster); err != nil {
		t.Fatal(err)
	}
	if len(roster.Peers) != 0 {
		t.Fatalf("first joiner sees peers %v, want none", roster.Peers)
	}

	conn2 := f.dial(t, "peer-2")
	second := waitFor(t, conn2, "join confirmation", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeJoin && m.From == "peer-2"
	})
	if err := json.Unmarshal(second.Payload, &roster); err != nil {
		t.Fatal(err)
	}
	if len(roster.Peers) != 1 || roster.Peers[0] != "peer-1" {
		t.Fatalf("second joiner sees peers %v, want [peer-1]", roster.Peers)
	}
}

func TestTurnLifecycleThroughAgentEvents(t *testing.T) {
	f := newFixture(t, openSettings())
	conn := f.dial(t, "peer-1")
	f.waitProvider(t)

	request := `{"type":"turn-request","payload":{}}`
	if err := conn.WriteMessage(gws.TextMessage, []byte(request)); err != nil {
		t.Fatal(err)
	}

	granted := waitFor(t, conn, "turn grant", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeTurnGranted
	})
	var grant models.TurnGrantedPayload
	if err := json.Unmarshal(granted.Payload, &grant); err != nil {
		t.Fatal(err)
	}
	if grant.PeerID != "peer-1" {
		t.Fatalf("granted to %s, want peer-1", grant.PeerID)
	}
	waitFor(t, conn, "listening state", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeAIState && strings.Contains(string(m.Payload), "listening")
	})

	// The agent's VAD commits the input: the orchestrator must trigger the
	// response itself.
	f.provider.ev.OnStateChange(ai.StateProcessing)
	select {
	case <-f.provider.triggers:
	case <-time.After(2 * time.Second):
		t.Fatal("response was never triggered")
	}
	waitFor(t, conn, "processing state", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeAIState && strings.Contains(string(m.Payload), "processing")
	})

	f.provider.ev.OnStateChange(ai.StateSpeaking)
	waitFor(t, conn, "speaking state", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeAIState && strings.Contains(string(m.Payload), "speaking")
	})

	f.provider.ev.OnStateChange(ai.StateIdle)
	ended := waitFor(t, conn, "turn end", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeTurnEnded
	})
	var end models.TurnEndedPayload
	if err := json.Unmarshal(ended.Payload, &end); err != nil {
		t.Fatal(err)
	}
	if end.Cause != "finished" || end.PeerID != "peer-1" {
		t.Fatalf("turn end = %+v, want finished for peer-1", end)
	}
}

func TestBusyRequestRejectedWhenQueueDisabled(t *testing.T) {
	settings := models.VoiceSettings{Mode: models.ModeOpen, EnableQueue: false}
	settings.Normalize()
	f := newFixture(t, settings)
	conn1 := f.dial(t, "peer-1")
	conn2 := f.dial(t, "peer-2")

	if err := conn1.WriteMessage(gws.TextMessage, []byte(`{"type":"turn-request"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, conn1, "turn grant", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeTurnGranted
	})

	if err := conn2.WriteMessage(gws.TextMessage, []byte(`{"type":"turn-request"}`)); err != nil {
		t.Fatal(err)
	}
	rejected := waitFor(t, conn2, "rejection", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeTurnRejected
	})
	var rej models.TurnRejectedPayload
	if err := json.Unmarshal(rejected.Payload, &rej); err != nil {
		t.Fatal(err)
	}
	if rej.Reason != string(arbiter.ReasonQueueDisabledBusy) {
		t.Fatalf("reason = %s, want %s", rej.Reason, arbiter.ReasonQueueDisabledBusy)
	}
}

func TestNegotiationRouting(t *testing.T) {
	f := newFixture(t, openSettings())
	conn1 := f.dial(t, "peer-1")
	waitFor(t, conn1, "join confirmation", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeJoin && m.From == "peer-1"
	})
	conn2 := f.dial(t, "peer-2")
	waitFor(t, conn2, "join confirmation", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeJoin && m.From == "peer-2"
	})

	// Human-to-human negotiation is relayed verbatim with the sender stamped.
	offer := `{"type":"offer","to":"peer-2","from":"spoofed","payload":{"type":"offer","sdp":"p1"}}`
	if err := conn1.WriteMessage(gws.TextMessage, []byte(offer)); err != nil {
		t.Fatal(err)
	}
	relayed := waitFor(t, conn2, "relayed offer", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeOffer && m.From == "peer-1"
	})
	if relayed.To != "peer-2" {
		t.Fatalf("relayed to %s, want peer-2", relayed.To)
	}

	// An answer addressed to the agent lands on its mesh link.
	answer := `{"type":"answer","to":"voice-agent","payload":{"type":"answer","sdp":"human-answer"}}`
	if err := conn1.WriteMessage(gws.TextMessage, []byte(answer)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		tp := f.factory.get("peer-1")
		if tp != nil {
			tp.mu.Lock()
			applied := tp.remoteDesc != nil && tp.remoteDesc.SDP == "human-answer"
			tp.mu.Unlock()
			if applied {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never applied the answer")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInterruptCancelsAgentResponse(t *testing.T) {
	f := newFixture(t, openSettings())
	conn1 := f.dial(t, "peer-1")
	conn2 := f.dial(t, "peer-2")
	f.waitProvider(t)

	if err := conn1.WriteMessage(gws.TextMessage, []byte(`{"type":"turn-request"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, conn1, "turn grant", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeTurnGranted
	})
	f.provider.ev.OnStateChange(ai.StateProcessing)
	f.provider.ev.OnStateChange(ai.StateSpeaking)
	waitFor(t, conn2, "speaking state", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeAIState && strings.Contains(string(m.Payload), "speaking")
	})

	if err := conn2.WriteMessage(gws.TextMessage, []byte(`{"type":"interrupt"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-f.provider.cancels:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt never reached the agent session")
	}
	ended := waitFor(t, conn2, "turn end", func(m models.SignalMessage) bool {
		return m.Type == models.SignalTypeTurnEnded
	})
	var end models.TurnEndedPayload
	if err := json.Unmarshal(ended.Payload, &end); err != nil {
		t.Fatal(err)
	}
	if end.Cause != "interrupted" {
		t.Fatalf("cause = %s, want interrupted", end.Cause)
	}
}
