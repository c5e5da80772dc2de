// Package roomsvc binds the pieces of one live room together: the websocket
// hub, the turn arbiter, the audio mesh and the agent session. Humans talk to
// each other directly over the mesh; the agent joins it as one more peer and
// answers whoever holds the floor.
package roomsvc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/voicemesh/internal/ai"
	"github.com/mossy-p/voicemesh/internal/arbiter"
	"github.com/mossy-p/voicemesh/internal/hub"
	"github.com/mossy-p/voicemesh/internal/mesh"
	"github.com/mossy-p/voicemesh/internal/models"
	"github.com/mossy-p/voicemesh/internal/turnqueue"
)

// AgentPeerID is the agent's peer id inside every room. Clients address
// negotiation messages for the agent to this id.
const AgentPeerID = "voice-agent"

// ProviderFactory dials one agent session with its event callbacks wired.
type ProviderFactory func(ctx context.Context, ev ai.Events) (ai.Provider, error)

// Roster persists room membership. Satisfied by *redis.Store.
type Roster interface {
	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
}

// Service owns the live sessions of this instance, one per room with at
// least one connected participant.
type Service struct {
	store        Roster
	arb          *arbiter.Service
	factory      mesh.TransportFactory
	dialProvider ProviderFactory
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(store Roster, arb *arbiter.Service, factory mesh.TransportFactory, dialProvider ProviderFactory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Service{
		store:        store,
		arb:          arb,
		factory:      factory,
		dialProvider: dialProvider,
		logger:       logger,
		sessions:     make(map[string]*Session),
	}
	arb.AddListener(s)
	return s
}

// Join attaches a websocket participant to the room's session, creating the
// session (and dialing the agent) on first join.
func (s *Service) Join(room *models.RoomMetadata, peerID, displayName string, conn *gws.Conn) {
	sess := s.sessionFor(room)
	sess.hub.Attach(peerID, displayName, conn, sess)
}

func (s *Service) sessionFor(room *models.RoomMetadata) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[room.ID]; ok {
		return sess
	}
	sess := newSession(s, room)
	s.sessions[room.ID] = sess
	return sess
}

func (s *Service) session(roomID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[roomID]
}

func (s *Service) dropSession(roomID string) {
	s.mu.Lock()
	sess, ok := s.sessions[roomID]
	delete(s.sessions, roomID)
	s.mu.Unlock()
	if ok {
		sess.dispose()
	}
}

// Close tears down every live session.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.dispose()
	}
}

// --- arbiter.Listener: dispatch events to the owning session ---

func (s *Service) TurnGranted(roomID string, entry turnqueue.Entry) {
	sess := s.session(roomID)
	if sess == nil {
		return
	}
	sess.broadcast(models.SignalTypeTurnGranted, mustJSON(models.TurnGrantedPayload{
		EntryID:     entry.ID,
		PeerID:      entry.PeerID,
		DisplayName: entry.DisplayName,
	}), "")
	s.arb.StartListening(roomID, entry.PeerID)
	sess.startSpeakerPump(entry.PeerID)
}

func (s *Service) TurnEnded(roomID string, entry turnqueue.Entry, cause arbiter.EndCause) {
	sess := s.session(roomID)
	if sess == nil {
		return
	}
	sess.stopSpeakerPump()
	sess.broadcast(models.SignalTypeTurnEnded, mustJSON(models.TurnEndedPayload{
		EntryID: entry.ID,
		PeerID:  entry.PeerID,
		Cause:   string(cause),
	}), "")
}

func (s *Service) QueueChanged(roomID string, waiting []turnqueue.Entry) {
	sess := s.session(roomID)
	if sess == nil {
		return
	}
	sess.broadcast(models.SignalTypeQueueUpdate, mustJSON(models.QueueUpdatePayload{
		Entries: queueViews(waiting),
	}), "")
}

func (s *Service) EntryExpired(roomID string, entry turnqueue.Entry) {
	sess := s.session(roomID)
	if sess == nil {
		return
	}
	sess.hub.SendTo(models.SignalMessage{
		Type:   models.SignalTypeTurnEnded,
		RoomID: roomID,
		Seq:    sess.nextSeq(),
		Payload: mustJSON(models.TurnEndedPayload{
			EntryID: entry.ID,
			PeerID:  entry.PeerID,
			Cause:   "expired",
		}),
	}, entry.PeerID)
}

func (s *Service) StateChanged(roomID string, _, to arbiter.State) {
	sess := s.session(roomID)
	if sess == nil {
		return
	}
	var activePeer string
	if snap, ok := s.arb.Snapshot(roomID); ok && snap.ActiveEntry != nil {
		activePeer = snap.ActiveEntry.PeerID
	}
	sess.broadcast(models.SignalTypeAIState, mustJSON(models.AIStatePayload{
		State:        string(to),
		ActivePeerID: activePeer,
	}), "")
}

func (s *Service) ArbiterError(roomID string, err error) {
	s.logger.Error("arbitration fault", "room", roomID, "err", err)
	if sess := s.session(roomID); sess != nil {
		sess.broadcastError(err.Error())
	}
}

// Session is the live state of one room on this instance.
type Session struct {
	roomID string
	svc    *Service
	hub    *hub.RoomHub
	mesh   *mesh.Manager
	logger *slog.Logger

	seqMu sync.Mutex
	seq   int

	mu       sync.Mutex
	provider ai.Provider
	voice    *agentVoice
	pump     *speakerPump
}

func newSession(s *Service, room *models.RoomMetadata) *Session {
	settings := room.Settings
	settings.Normalize()
	s.arb.InitRoom(room.ID, settings)

	sess := &Session{
		roomID: room.ID,
		svc:    s,
		hub:    hub.NewRoomHub(room.ID, s.logger),
		logger: s.logger.With("room", room.ID),
	}
	sess.mesh = mesh.NewManager(mesh.Config{
		RoomID:      room.ID,
		LocalPeerID: AgentPeerID,
		Factory:     s.factory,
		Signaler:    sess,
		Logger:      sess.logger,
		OnLinkState: sess.linkStateChanged,
		OnError: func(peerID string, err error) {
			sess.logger.Warn("mesh negotiation failed", "peer", peerID, "err", err)
		},
	})

	if voice, err := newAgentVoice(); err != nil {
		sess.logger.Error("agent voice track unavailable", "err", err)
	} else {
		sess.voice = voice
		if err := sess.mesh.SetLocalAudio(voice.track); err != nil {
			sess.logger.Warn("attach agent audio", "err", err)
		}
	}

	// The dial is slow relative to a join, so it happens off the join path.
	// Until it completes the room works as a plain human mesh.
	go sess.dialAgent()
	return sess
}

func (sess *Session) dialAgent() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	provider, err := sess.svc.dialProvider(ctx, ai.Events{
		OnStateChange: sess.agentStateChanged,
		OnAudioDelta:  sess.agentAudio,
		OnTranscript:  sess.agentTranscript,
		OnError: func(err error) {
			sess.logger.Error("agent session fault", "err", err)
			sess.broadcastError("agent session fault")
		},
	})
	if err != nil {
		sess.logger.Error("agent dial failed", "err", err)
		sess.broadcastError("agent unavailable")
		return
	}
	sess.mu.Lock()
	sess.provider = provider
	sess.mu.Unlock()
}

func (sess *Session) withProvider(fn func(ai.Provider)) {
	sess.mu.Lock()
	p := sess.provider
	sess.mu.Unlock()
	if p != nil {
		fn(p)
	}
}

func (sess *Session) dispose() {
	sess.stopSpeakerPump()
	sess.mu.Lock()
	p := sess.provider
	sess.provider = nil
	sess.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}
	sess.mesh.Close()
	sess.svc.arb.DisposeRoom(sess.roomID)
	sess.hub.CloseAll()
}

func (sess *Session) nextSeq() int {
	sess.seqMu.Lock()
	defer sess.seqMu.Unlock()
	sess.seq++
	return sess.seq
}

func (sess *Session) broadcast(t models.SignalType, payload json.RawMessage, exclude string) {
	sess.hub.Broadcast(models.SignalMessage{
		Type:    t,
		RoomID:  sess.roomID,
		Seq:     sess.nextSeq(),
		Payload: payload,
	}, exclude)
}

func (sess *Session) broadcastError(text string) {
	sess.hub.Broadcast(models.SignalMessage{
		Type:   models.SignalTypeError,
		RoomID: sess.roomID,
		Seq:    sess.nextSeq(),
		Error:  text,
	}, "")
}

// --- hub.Handler ---

func (sess *Session) ClientJoined(c *hub.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.svc.store.AddPeer(ctx, sess.roomID, c.ID); err != nil {
		sess.logger.Warn("roster persist failed", "peer", c.ID, "err", err)
	}

	// Confirm the join with the current roster, introduce the agent, then
	// tell everyone else.
	others := make([]string, 0)
	for _, id := range sess.hub.Peers() {
		if id != c.ID {
			others = append(others, id)
		}
	}
	sort.Strings(others)
	c.Send(models.SignalMessage{
		Type:    models.SignalTypeJoin,
		From:    c.ID,
		RoomID:  sess.roomID,
		Payload: mustJSON(models.RosterPayload{Peers: others}),
	})
	c.Send(models.SignalMessage{Type: models.SignalTypeJoin, From: AgentPeerID, To: c.ID, RoomID: sess.roomID})
	sess.hub.Broadcast(models.SignalMessage{
		Type:   models.SignalTypeJoin,
		From:   c.ID,
		RoomID: sess.roomID,
		Seq:    sess.nextSeq(),
	}, c.ID)

	// Bring the newcomer up to date before any live event reaches it.
	if snap, ok := sess.svc.arb.Snapshot(sess.roomID); ok {
		c.Send(models.SignalMessage{
			Type:    models.SignalTypeQueueUpdate,
			RoomID:  sess.roomID,
			Seq:     sess.nextSeq(),
			Payload: mustJSON(models.QueueUpdatePayload{Entries: queueViews(snap.Waiting)}),
		})
		var activePeer string
		if snap.ActiveEntry != nil {
			activePeer = snap.ActiveEntry.PeerID
		}
		c.Send(models.SignalMessage{
			Type:    models.SignalTypeAIState,
			RoomID:  sess.roomID,
			Seq:     sess.nextSeq(),
			Payload: mustJSON(models.AIStatePayload{State: string(snap.State), ActivePeerID: activePeer}),
		})
	}

	if err := sess.mesh.HandlePeerJoined(c.ID); err != nil {
		sess.logger.Warn("agent link setup failed", "peer", c.ID, "err", err)
	}
	sess.logger.Info("peer joined", "peer", c.ID, "name", c.DisplayName, "count", sess.hub.Len())
}

func (sess *Session) ClientLeft(c *hub.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.svc.store.RemovePeer(ctx, sess.roomID, c.ID); err != nil {
		sess.logger.Warn("roster persist failed", "peer", c.ID, "err", err)
	}

	// Releasing the floor (or the queue slot) on disconnect keeps a dead
	// peer from stalling the room.
	if snap, ok := sess.svc.arb.Snapshot(sess.roomID); ok {
		if snap.ActiveEntry != nil && snap.ActiveEntry.PeerID == c.ID {
			sess.svc.arb.CancelRequest(sess.roomID, snap.ActiveEntry.ID)
		}
		for _, e := range snap.Waiting {
			if e.PeerID == c.ID {
				sess.svc.arb.CancelRequest(sess.roomID, e.ID)
			}
		}
	}

	sess.mesh.HandlePeerLeft(c.ID)
	sess.hub.Broadcast(models.SignalMessage{
		Type:   models.SignalTypeLeave,
		From:   c.ID,
		RoomID: sess.roomID,
		Seq:    sess.nextSeq(),
	}, c.ID)
	sess.logger.Info("peer left", "peer", c.ID, "count", sess.hub.Len())

	if sess.hub.Len() == 0 {
		sess.svc.dropSession(sess.roomID)
	}
}

func (sess *Session) Message(c *hub.Client, msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		sess.routeNegotiation(c, msg)
	case models.SignalTypeTurnRequest:
		sess.handleTurnRequest(c, msg)
	case models.SignalTypeTurnCancel:
		var p models.TurnCancelPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.EntryID == "" {
			sess.rejectTo(c, "bad-request")
			return
		}
		sess.svc.arb.CancelRequest(sess.roomID, p.EntryID)
	case models.SignalTypeInterrupt:
		if !sess.svc.arb.Interrupt(sess.roomID, c.ID, "peer interrupt") {
			sess.rejectTo(c, string(arbiter.ReasonInterruptNotAllowed))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sess.withProvider(func(p ai.Provider) {
			if err := p.CancelResponse(ctx); err != nil {
				sess.logger.Warn("cancel response", "err", err)
			}
		})
	case models.SignalTypeLeave:
		c.Close()
	default:
		sess.logger.Warn("unknown message type", "peer", c.ID, "type", msg.Type)
	}
}

func (sess *Session) routeNegotiation(c *hub.Client, msg models.SignalMessage) {
	if msg.To != AgentPeerID {
		// Human-to-human negotiation is relayed verbatim.
		if msg.To != "" {
			sess.hub.SendTo(msg, msg.To)
		} else {
			sess.hub.Broadcast(msg, c.ID)
		}
		return
	}

	var err error
	switch msg.Type {
	case models.SignalTypeOffer:
		var sdp webrtc.SessionDescription
		if err = json.Unmarshal(msg.Payload, &sdp); err == nil {
			err = sess.mesh.HandleOffer(msg.From, sdp)
		}
	case models.SignalTypeAnswer:
		var sdp webrtc.SessionDescription
		if err = json.Unmarshal(msg.Payload, &sdp); err == nil {
			err = sess.mesh.HandleAnswer(msg.From, sdp)
		}
	case models.SignalTypeCandidate:
		var cand webrtc.ICECandidateInit
		if err = json.Unmarshal(msg.Payload, &cand); err == nil {
			err = sess.mesh.HandleCandidate(msg.From, cand)
		}
	}
	if err != nil {
		sess.logger.Warn("agent negotiation", "peer", msg.From, "type", msg.Type, "err", err)
	}
}

func (sess *Session) handleTurnRequest(c *hub.Client, msg models.SignalMessage) {
	var p models.TurnRequestPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			sess.rejectTo(c, "bad-request")
			return
		}
	}
	res := sess.svc.arb.RequestTurn(sess.roomID, c.ID, c.DisplayName, p.Priority)
	if res.Entry == nil {
		sess.rejectTo(c, string(res.Reason))
	}
	// Grants and queue positions reach the room through arbitration events.
}

func (sess *Session) rejectTo(c *hub.Client, reason string) {
	c.Send(models.SignalMessage{
		Type:    models.SignalTypeTurnRejected,
		RoomID:  sess.roomID,
		Seq:     sess.nextSeq(),
		Payload: mustJSON(models.TurnRejectedPayload{Reason: reason}),
	})
}

// --- mesh.Signaler: the agent's negotiation goes out over the hub ---

func (sess *Session) SendOffer(to string, sdp webrtc.SessionDescription) error {
	sess.hub.SendTo(models.SignalMessage{
		Type:    models.SignalTypeOffer,
		From:    AgentPeerID,
		To:      to,
		RoomID:  sess.roomID,
		Payload: mustJSON(sdp),
	}, to)
	return nil
}

func (sess *Session) SendAnswer(to string, sdp webrtc.SessionDescription) error {
	sess.hub.SendTo(models.SignalMessage{
		Type:    models.SignalTypeAnswer,
		From:    AgentPeerID,
		To:      to,
		RoomID:  sess.roomID,
		Payload: mustJSON(sdp),
	}, to)
	return nil
}

func (sess *Session) SendCandidate(to string, cand webrtc.ICECandidateInit) error {
	sess.hub.SendTo(models.SignalMessage{
		Type:    models.SignalTypeCandidate,
		From:    AgentPeerID,
		To:      to,
		RoomID:  sess.roomID,
		Payload: mustJSON(cand),
	}, to)
	return nil
}

func (sess *Session) linkStateChanged(peerID string, state mesh.LinkState) {
	if state != mesh.LinkFailed {
		return
	}
	sess.broadcast(models.SignalTypePeerTrouble, mustJSON(models.PeerTroublePayload{
		PeerID: peerID,
		State:  string(state),
	}), "")
}

// --- agent session events ---

func (sess *Session) agentStateChanged(st ai.State) {
	switch st {
	case ai.StateProcessing:
		// The VAD committed the speaker's input. Responses are created
		// explicitly so the agent never talks over a room that moved on.
		if sess.svc.arb.StartProcessing(sess.roomID) {
			sess.stopSpeakerPump()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			sess.withProvider(func(p ai.Provider) {
				if err := p.TriggerResponse(ctx); err != nil {
					sess.logger.Warn("trigger response", "err", err)
				}
			})
		}
	case ai.StateSpeaking:
		sess.svc.arb.StartSpeaking(sess.roomID)
	case ai.StateIdle:
		sess.svc.arb.FinishSpeaking(sess.roomID)
	}
}

func (sess *Session) agentAudio(pcm []byte) {
	sess.mu.Lock()
	voice := sess.voice
	sess.mu.Unlock()
	if voice == nil {
		return
	}
	if err := voice.Write(pcm); err != nil {
		sess.logger.Warn("agent audio write", "err", err)
	}
}

func (sess *Session) agentTranscript(role, text string, final bool) {
	if !final || text == "" {
		return
	}
	sess.broadcast(models.SignalTypeTranscript, mustJSON(models.TranscriptPayload{
		Role: role,
		Text: text,
	}), "")
}

// --- speaker audio pump ---

func (sess *Session) startSpeakerPump(peerID string) {
	sess.stopSpeakerPump()

	track, ok := sess.mesh.RemoteAudio(peerID)
	if !ok {
		// The peer has the floor but no media link to the agent; the turn
		// still proceeds, there is just nothing to transcribe.
		sess.logger.Warn("no agent audio link for speaker", "peer", peerID)
		return
	}
	sess.mu.Lock()
	provider := sess.provider
	if provider == nil {
		sess.mu.Unlock()
		return
	}
	sess.pump = newSpeakerPump(track, provider, sess.logger.With("speaker", peerID))
	sess.mu.Unlock()
}

func (sess *Session) stopSpeakerPump() {
	sess.mu.Lock()
	pump := sess.pump
	sess.pump = nil
	sess.mu.Unlock()
	if pump != nil {
		pump.stop()
	}
}

func queueViews(entries []turnqueue.Entry) []models.QueueEntryView {
	views := make([]models.QueueEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, models.QueueEntryView{
			EntryID:     e.ID,
			PeerID:      e.PeerID,
			DisplayName: e.DisplayName,
			Priority:    e.Priority,
			Position:    e.Position,
		})
	}
	return views
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
