// Package mesh maintains exactly one connection record per remote peer so
// that the participants of a room form a full audio mesh. It decides which
// side of every pair initiates (a pure identifier comparison, so both sides
// agree regardless of message arrival order), sequences the
// offer/answer/candidate exchange, and buffers candidates that arrive before
// the remote description is applied.
//
// Media itself is delegated to a PeerTransport implementation; the manager
// only governs when a connection attempt happens, who initiates it, and how
// signaling payloads are ordered.
package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// LinkState is the transport-level state of one pairwise connection.
type LinkState string

const (
	LinkNew        LinkState = "new"
	LinkConnecting LinkState = "connecting"
	LinkConnected  LinkState = "connected"
	LinkFailed     LinkState = "failed"
	LinkClosed     LinkState = "closed"
)

// Role is the deterministic negotiation role for one pairwise connection.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAnswerer  Role = "answerer"
)

var (
	ErrManagerClosed = errors.New("mesh manager closed")
	ErrUnknownPeer   = errors.New("no connection record for peer")
)

// ShouldInitiate reports whether the local side offers to remoteID. The rule
// is a plain lexicographic comparison of the two opaque identifiers, applied
// identically by both sides: the greater id initiates.
func ShouldInitiate(localID, remoteID string) bool {
	return strings.Compare(localID, remoteID) > 0
}

// Signaler delivers negotiation payloads to a remote peer through the
// external signaling transport.
type Signaler interface {
	SendOffer(to string, sdp webrtc.SessionDescription) error
	SendAnswer(to string, sdp webrtc.SessionDescription) error
	SendCandidate(to string, cand webrtc.ICECandidateInit) error
}

// TransportEvents are the callbacks a PeerTransport fires. Implementations
// must deliver them from their own goroutines, never synchronously from
// inside a PeerTransport method call.
type TransportEvents struct {
	OnCandidate   func(webrtc.ICECandidateInit)
	OnStateChange func(LinkState)
	OnRemoteTrack func(*webrtc.TrackRemote)
}

// PeerTransport is one underlying pairwise media connection. Codec
// negotiation, bandwidth and media quality live below this interface.
type PeerTransport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddAudioTrack(webrtc.TrackLocal) error
	RemoveAudioTracks() error
	Close() error
}

// TransportFactory creates the transport for one remote peer.
type TransportFactory func(remotePeerID string, ev TransportEvents) (PeerTransport, error)

type link struct {
	peerID      string
	role        Role
	state       LinkState
	transport   PeerTransport
	pending     []webrtc.ICECandidateInit // candidates received before the remote description
	remoteSet   bool
	remoteTrack *webrtc.TrackRemote
}

// LinkInfo is the read-only projection of one connection record.
type LinkInfo struct {
	PeerID string
	Role   Role
	State  LinkState
}

// Config wires a Manager to its collaborators.
type Config struct {
	RoomID      string
	LocalPeerID string
	Factory     TransportFactory
	Signaler    Signaler
	Logger      *slog.Logger

	// OnLinkState is invoked on every transport state change (optional).
	OnLinkState func(peerID string, state LinkState)
	// OnRemoteTrack is invoked when a remote audio stream arrives (optional).
	OnRemoteTrack func(peerID string, track *webrtc.TrackRemote)
	// OnError receives negotiation failures. The manager never retries;
	// recovery is an explicit ReconnectPeer call (optional).
	OnError func(peerID string, err error)
}

// Manager owns the connection-record map of one room. All mutation goes
// through it; callers only see snapshots and callbacks.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	links      map[string]*link
	localTrack webrtc.TrackLocal
	closed     bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{cfg: cfg, links: make(map[string]*link)}
}

// HandlePeerJoined ensures a connection record for peerID exists. If the
// local side wins the initiator comparison it creates the transport and sends
// an offer; otherwise it records the pair and waits for the incoming offer.
func (m *Manager) HandlePeerJoined(peerID string) error {
	var notes []func()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if l, ok := m.links[peerID]; ok {
		// A candidate may have created a transport-less placeholder before
		// the roster event arrived. When the local side is the initiator that
		// placeholder still owes the offer; any other record is left alone.
		if l.transport != nil || l.role != RoleInitiator || l.state != LinkNew {
			m.mu.Unlock()
			return nil
		}
	}
	err := m.openLinkLocked(peerID, &notes)
	m.mu.Unlock()
	fire(notes)
	return err
}

// HandleOffer applies an incoming offer. An existing record for the peer is
// discarded first (last-offer-wins, protecting against stale renegotiation);
// candidates buffered before any description was applied belong to this
// negotiation and are carried over.
func (m *Manager) HandleOffer(from string, sdp webrtc.SessionDescription) error {
	var notes []func()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	var carried []webrtc.ICECandidateInit
	if old, ok := m.links[from]; ok {
		if !old.remoteSet {
			carried = old.pending
		}
		m.closeLinkLocked(old)
		delete(m.links, from)
	}

	l := &link{peerID: from, role: RoleAnswerer, state: LinkNew}
	m.links[from] = l
	t, err := m.newTransportLocked(from)
	if err != nil {
		err = m.failLinkLocked(l, "create transport", err, &notes)
		m.mu.Unlock()
		fire(notes)
		return err
	}
	l.transport = t
	if m.localTrack != nil {
		if err := t.AddAudioTrack(m.localTrack); err != nil {
			err = m.failLinkLocked(l, "add local audio", err, &notes)
			m.mu.Unlock()
			fire(notes)
			return err
		}
	}
	if err := t.SetRemoteDescription(sdp); err != nil {
		err = m.failLinkLocked(l, "apply offer", err, &notes)
		m.mu.Unlock()
		fire(notes)
		return err
	}
	l.remoteSet = true
	for _, cand := range carried {
		if err := t.AddICECandidate(cand); err != nil {
			err = m.failLinkLocked(l, "apply buffered candidate", err, &notes)
			m.mu.Unlock()
			fire(notes)
			return err
		}
	}
	answer, err := t.CreateAnswer()
	if err != nil {
		err = m.failLinkLocked(l, "create answer", err, &notes)
		m.mu.Unlock()
		fire(notes)
		return err
	}
	if err := t.SetLocalDescription(answer); err != nil {
		err = m.failLinkLocked(l, "apply local answer", err, &notes)
		m.mu.Unlock()
		fire(notes)
		return err
	}
	if err := m.cfg.Signaler.SendAnswer(from, answer); err != nil {
		err = m.failLinkLocked(l, "send answer", err, &notes)
		m.mu.Unlock()
		fire(notes)
		return err
	}
	m.cfg.Logger.Debug("answered offer", "room", m.cfg.RoomID, "peer", from)
	m.mu.Unlock()
	fire(notes)
	return nil
}

// HandleAnswer applies an incoming answer on the record created when the
// local side offered, then flushes buffered candidates in arrival order.
func (m *Manager) HandleAnswer(from string, sdp webrtc.SessionDescription) error {
	var notes []func()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	l, ok := m.links[from]
	if !ok || l.transport == nil || l.role != RoleInitiator {
		m.mu.Unlock()
		return fmt.Errorf("answer from %s: %w", from, ErrUnknownPeer)
	}
	if err := l.transport.SetRemoteDescription(sdp); err != nil {
		err = m.failLinkLocked(l, "apply answer", err, &notes)
		m.mu.Unlock()
		fire(notes)
		return err
	}
	l.remoteSet = true
	err := m.flushPendingLocked(l, &notes)
	m.mu.Unlock()
	fire(notes)
	return err
}

// HandleCandidate applies a candidate immediately when the record's remote
// description is set; otherwise the candidate is buffered in arrival order.
func (m *Manager) HandleCandidate(from string, cand webrtc.ICECandidateInit) error {
	var notes []func()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	l, ok := m.links[from]
	if !ok {
		// Candidate raced ahead of the roster event: record the pair and
		// keep the candidate for the negotiation about to happen.
		l = &link{peerID: from, role: roleFor(m.cfg.LocalPeerID, from), state: LinkNew}
		m.links[from] = l
	}
	if !l.remoteSet || l.transport == nil {
		l.pending = append(l.pending, cand)
		m.mu.Unlock()
		return nil
	}
	err := l.transport.AddICECandidate(cand)
	if err != nil {
		err = m.failLinkLocked(l, "apply candidate", err, &notes)
	}
	m.mu.Unlock()
	fire(notes)
	return err
}

// HandlePeerLeft closes and removes the peer's record and releases any audio
// stream associated with it.
func (m *Manager) HandlePeerLeft(peerID string) {
	m.mu.Lock()
	if l, ok := m.links[peerID]; ok {
		m.closeLinkLocked(l)
		delete(m.links, peerID)
	}
	m.mu.Unlock()
}

// ReconnectPeer closes exactly one existing record (if present), creates
// exactly one new one, and re-runs initiator selection, so the local side may
// either re-offer or wait for the remote offer.
func (m *Manager) ReconnectPeer(peerID string) error {
	var notes []func()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if l, ok := m.links[peerID]; ok {
		m.closeLinkLocked(l)
		delete(m.links, peerID)
	}
	err := m.openLinkLocked(peerID, &notes)
	m.mu.Unlock()
	fire(notes)
	return err
}

// Close tears down every record. The manager accepts no further events.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, l := range m.links {
		m.closeLinkLocked(l)
		delete(m.links, id)
	}
	m.closed = true
	m.mu.Unlock()
}

// SetLocalAudio replaces the outgoing audio track on every current record so
// the local mic state is uniform across the mesh.
func (m *Manager) SetLocalAudio(track webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localTrack = track
	var firstErr error
	for _, l := range m.links {
		if l.transport == nil {
			continue
		}
		if err := l.transport.RemoveAudioTracks(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.transport.AddAudioTrack(track); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ClearLocalAudio removes the outgoing audio track from every record.
func (m *Manager) ClearLocalAudio() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localTrack = nil
	var firstErr error
	for _, l := range m.links {
		if l.transport == nil {
			continue
		}
		if err := l.transport.RemoveAudioTracks(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LinkState returns the transport state of the record for peerID.
func (m *Manager) LinkState(peerID string) (LinkState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[peerID]
	if !ok {
		return "", false
	}
	return l.state, true
}

// Links returns a snapshot of every connection record.
func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LinkInfo, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, LinkInfo{PeerID: l.peerID, Role: l.role, State: l.state})
	}
	return out
}

// ConnectedCount counts records in the connected state only; failed or
// closed records do not count even while still present in the roster.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.links {
		if l.state == LinkConnected {
			n++
		}
	}
	return n
}

// AllConnected reports whether every current record is connected.
func (m *Manager) AllConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.state != LinkConnected {
			return false
		}
	}
	return true
}

// RemoteAudio returns the received audio stream handle for peerID, if any.
func (m *Manager) RemoteAudio(peerID string) (*webrtc.TrackRemote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[peerID]
	if !ok || l.remoteTrack == nil {
		return nil, false
	}
	return l.remoteTrack, true
}

// --- internals ---

func roleFor(localID, remoteID string) Role {
	if ShouldInitiate(localID, remoteID) {
		return RoleInitiator
	}
	return RoleAnswerer
}

// openLinkLocked creates the record for peerID and, when the local side is
// the initiator, generates and sends the offer.
func (m *Manager) openLinkLocked(peerID string, notes *[]func()) error {
	l := &link{peerID: peerID, role: roleFor(m.cfg.LocalPeerID, peerID), state: LinkNew}
	if old, ok := m.links[peerID]; ok {
		// Candidates buffered on a placeholder belong to this negotiation.
		l.pending = old.pending
	}
	m.links[peerID] = l
	if l.role == RoleAnswerer {
		// The remote side wins the comparison; wait for its offer.
		return nil
	}
	t, err := m.newTransportLocked(peerID)
	if err != nil {
		return m.failLinkLocked(l, "create transport", err, notes)
	}
	l.transport = t
	if m.localTrack != nil {
		if err := t.AddAudioTrack(m.localTrack); err != nil {
			return m.failLinkLocked(l, "add local audio", err, notes)
		}
	}
	offer, err := t.CreateOffer()
	if err != nil {
		return m.failLinkLocked(l, "create offer", err, notes)
	}
	if err := t.SetLocalDescription(offer); err != nil {
		return m.failLinkLocked(l, "apply local offer", err, notes)
	}
	if err := m.cfg.Signaler.SendOffer(peerID, offer); err != nil {
		return m.failLinkLocked(l, "send offer", err, notes)
	}
	m.cfg.Logger.Debug("sent offer", "room", m.cfg.RoomID, "peer", peerID)
	return nil
}

func (m *Manager) newTransportLocked(peerID string) (PeerTransport, error) {
	ev := TransportEvents{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			if err := m.cfg.Signaler.SendCandidate(peerID, c); err != nil {
				m.cfg.Logger.Warn("candidate delivery failed", "peer", peerID, "err", err)
			}
		},
		OnStateChange: func(st LinkState) { m.transportStateChanged(peerID, st) },
		OnRemoteTrack: func(tr *webrtc.TrackRemote) { m.remoteTrackArrived(peerID, tr) },
	}
	return m.cfg.Factory(peerID, ev)
}

func (m *Manager) flushPendingLocked(l *link, notes *[]func()) error {
	for _, cand := range l.pending {
		if err := l.transport.AddICECandidate(cand); err != nil {
			return m.failLinkLocked(l, "apply buffered candidate", err, notes)
		}
	}
	l.pending = nil
	return nil
}

// failLinkLocked marks the record failed and schedules the error report.
// The manager does not retry; recovery is the caller's ReconnectPeer.
func (m *Manager) failLinkLocked(l *link, stage string, err error, notes *[]func()) error {
	l.state = LinkFailed
	wrapped := fmt.Errorf("%s (peer %s): %w", stage, l.peerID, err)
	m.cfg.Logger.Warn("negotiation failed", "room", m.cfg.RoomID, "peer", l.peerID, "stage", stage, "err", err)
	if cb := m.cfg.OnError; cb != nil {
		peerID := l.peerID
		*notes = append(*notes, func() { cb(peerID, wrapped) })
	}
	return wrapped
}

func (m *Manager) closeLinkLocked(l *link) {
	if l.transport != nil {
		if err := l.transport.Close(); err != nil {
			m.cfg.Logger.Warn("transport close failed", "peer", l.peerID, "err", err)
		}
	}
	l.state = LinkClosed
	l.remoteTrack = nil
	l.pending = nil
}

func (m *Manager) transportStateChanged(peerID string, st LinkState) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	if !ok || l.state == LinkClosed {
		m.mu.Unlock()
		return
	}
	l.state = st
	cb := m.cfg.OnLinkState
	m.mu.Unlock()
	if cb != nil {
		cb(peerID, st)
	}
}

func (m *Manager) remoteTrackArrived(peerID string, tr *webrtc.TrackRemote) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	l.remoteTrack = tr
	cb := m.cfg.OnRemoteTrack
	m.mu.Unlock()
	if cb != nil {
		cb(peerID, tr)
	}
}

func fire(notes []func()) {
	for _, n := range notes {
		n()
	}
}
