package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/pion/webrtc/v4"
)

type fakeTransport struct {
	remote        string
	ev            TransportEvents
	localDesc     *webrtc.SessionDescription
	remoteDesc    *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	tracks        []webrtc.TrackLocal
	removeCalls   int
	closed        bool
	failSetRemote bool
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-to-" + t.remote}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + t.remote}, nil
}

func (t *fakeTransport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	t.localDesc = &sdp
	return nil
}

func (t *fakeTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if t.failSetRemote {
		return errors.New("sdp rejected")
	}
	t.remoteDesc = &sdp
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) AddAudioTrack(track webrtc.TrackLocal) error {
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *fakeTransport) RemoveAudioTracks() error {
	t.removeCalls++
	t.tracks = nil
	return nil
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

type fakeFactory struct {
	created       []*fakeTransport
	failSetRemote bool
}

func (f *fakeFactory) New(remote string, ev TransportEvents) (PeerTransport, error) {
	t := &fakeTransport{remote: remote, ev: ev, failSetRemote: f.failSetRemote}
	f.created = append(f.created, t)
	return t, nil
}

type recordSignaler struct {
	offers     []string
	answers    []string
	candidates []string
}

func (s *recordSignaler) SendOffer(to string, _ webrtc.SessionDescription) error {
	s.offers = append(s.offers, to)
	return nil
}

func (s *recordSignaler) SendAnswer(to string, _ webrtc.SessionDescription) error {
	s.answers = append(s.answers, to)
	return nil
}

func (s *recordSignaler) SendCandidate(to string, _ webrtc.ICECandidateInit) error {
	s.candidates = append(s.candidates, to)
	return nil
}

func newTestManager(localID string) (*Manager, *fakeFactory, *recordSignaler) {
	factory := &fakeFactory{}
	sig := &recordSignaler{}
	m := NewManager(Config{
		RoomID:      "room-1",
		LocalPeerID: localID,
		Factory:     factory.New,
		Signaler:    sig,
		Logger:      slog.New(slog.DiscardHandler),
	})
	return m, factory, sig
}

func cand(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate-%d", n)}
}

func TestShouldInitiateIsPureTotalOrder(t *testing.T) {
	if !ShouldInitiate("peer-2", "peer-1") {
		t.Fatal("peer-2 should initiate toward peer-1")
	}
	if ShouldInitiate("peer-1", "peer-2") {
		t.Fatal("peer-1 must not initiate toward peer-2")
	}
	if ShouldInitiate("x", "x") {
		t.Fatal("a peer never initiates toward itself")
	}
}

// For any pair, exactly one side offers: the greater id.
func TestExactlyOneSideOffers(t *testing.T) {
	greater, gf, gs := newTestManager("peer-2")
	lesser, lf, ls := newTestManager("peer-1")

	if err := greater.HandlePeerJoined("peer-1"); err != nil {
		t.Fatal(err)
	}
	if err := lesser.HandlePeerJoined("peer-2"); err != nil {
		t.Fatal(err)
	}

	if len(gs.offers) != 1 || gs.offers[0] != "peer-1" {
		t.Fatalf("greater side sent offers %v, want exactly one to peer-1", gs.offers)
	}
	if len(ls.offers) != 0 {
		t.Fatalf("lesser side sent offers %v, want none", ls.offers)
	}
	if len(gf.created) != 1 {
		t.Fatalf("greater side created %d transports, want 1", len(gf.created))
	}
	if len(lf.created) != 0 {
		t.Fatalf("lesser side created %d transports, want 0 before the offer arrives", len(lf.created))
	}

	// The lesser side answers upon receipt.
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
	if err := lesser.HandleOffer("peer-2", offer); err != nil {
		t.Fatal(err)
	}
	if len(ls.answers) != 1 || ls.answers[0] != "peer-2" {
		t.Fatalf("lesser side sent answers %v, want exactly one to peer-2", ls.answers)
	}
}

func TestPeerJoinedIsIdempotent(t *testing.T) {
	m, factory, sig := newTestManager("peer-2")
	m.HandlePeerJoined("peer-1")
	m.HandlePeerJoined("peer-1")
	if len(factory.created) != 1 || len(sig.offers) != 1 {
		t.Fatalf("transports=%d offers=%d, want 1/1 after duplicate join", len(factory.created), len(sig.offers))
	}
}

func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	m, factory, _ := newTestManager("peer-2")
	m.HandlePeerJoined("peer-1")
	tp := factory.created[0]

	// Candidates race ahead of the answer.
	m.HandleCandidate("peer-1", cand(1))
	m.HandleCandidate("peer-1", cand(2))
	if len(tp.candidates) != 0 {
		t.Fatalf("candidates applied before remote description: %v", tp.candidates)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
	if err := m.HandleAnswer("peer-1", answer); err != nil {
		t.Fatal(err)
	}
	if len(tp.candidates) != 2 ||
		tp.candidates[0].Candidate != "candidate-1" ||
		tp.candidates[1].Candidate != "candidate-2" {
		t.Fatalf("buffered candidates = %v, want candidate-1,candidate-2 in order", tp.candidates)
	}

	// Later candidates apply immediately.
	m.HandleCandidate("peer-1", cand(3))
	if len(tp.candidates) != 3 || tp.candidates[2].Candidate != "candidate-3" {
		t.Fatalf("post-answer candidate not applied: %v", tp.candidates)
	}
}

func TestCandidatesBeforeOfferCarriedIntoFreshRecord(t *testing.T) {
	m, factory, _ := newTestManager("peer-1") // answerer toward peer-2

	m.HandleCandidate("peer-2", cand(1))
	m.HandleCandidate("peer-2", cand(2))

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
	if err := m.HandleOffer("peer-2", offer); err != nil {
		t.Fatal(err)
	}
	tp := factory.created[0]
	if len(tp.candidates) != 2 ||
		tp.candidates[0].Candidate != "candidate-1" ||
		tp.candidates[1].Candidate != "candidate-2" {
		t.Fatalf("carried candidates = %v, want candidate-1,candidate-2 in order", tp.candidates)
	}
}

// A candidate that outruns the roster event must not suppress the offer the
// initiator owes once the peer-joined event does arrive.
func TestCandidateBeforeJoinStillTriggersOffer(t *testing.T) {
	m, factory, sig := newTestManager("peer-2") // initiator toward peer-1

	m.HandleCandidate("peer-1", cand(1))
	if err := m.HandlePeerJoined("peer-1"); err != nil {
		t.Fatal(err)
	}
	if len(factory.created) != 1 {
		t.Fatalf("created %d transports, want 1 after the roster event", len(factory.created))
	}
	if len(sig.offers) != 1 || sig.offers[0] != "peer-1" {
		t.Fatalf("offers = %v, want exactly one to peer-1", sig.offers)
	}

	// The early candidate still belongs to this negotiation.
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
	if err := m.HandleAnswer("peer-1", answer); err != nil {
		t.Fatal(err)
	}
	tp := factory.created[0]
	if len(tp.candidates) != 1 || tp.candidates[0].Candidate != "candidate-1" {
		t.Fatalf("carried candidates = %v, want candidate-1", tp.candidates)
	}
}

func TestLastOfferWins(t *testing.T) {
	m, factory, sig := newTestManager("peer-1")
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-a"}
	if err := m.HandleOffer("peer-2", offer); err != nil {
		t.Fatal(err)
	}
	fresh := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-b"}
	if err := m.HandleOffer("peer-2", fresh); err != nil {
		t.Fatal(err)
	}
	if len(factory.created) != 2 {
		t.Fatalf("created %d transports, want 2", len(factory.created))
	}
	if !factory.created[0].closed {
		t.Fatal("stale transport should be closed")
	}
	if factory.created[1].remoteDesc == nil || factory.created[1].remoteDesc.SDP != "offer-b" {
		t.Fatalf("fresh transport remote desc = %v, want offer-b", factory.created[1].remoteDesc)
	}
	if len(sig.answers) != 2 {
		t.Fatalf("sent %d answers, want 2", len(sig.answers))
	}
}

func TestAnswerWithoutRecordFails(t *testing.T) {
	m, _, _ := newTestManager("peer-1")
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}
	if err := m.HandleAnswer("peer-3", answer); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
}

func TestReconnectPeerClosesOneCreatesOne(t *testing.T) {
	m, factory, sig := newTestManager("peer-2")
	m.HandlePeerJoined("peer-1")

	if err := m.ReconnectPeer("peer-1"); err != nil {
		t.Fatal(err)
	}
	if len(factory.created) != 2 {
		t.Fatalf("created %d transports, want 2", len(factory.created))
	}
	if !factory.created[0].closed {
		t.Fatal("old transport should be closed")
	}
	if factory.created[1].closed {
		t.Fatal("new transport should be open")
	}
	if len(sig.offers) != 2 {
		t.Fatalf("sent %d offers, want re-offer after reconnect", len(sig.offers))
	}
	if len(m.Links()) != 1 {
		t.Fatalf("links = %d, want exactly one record", len(m.Links()))
	}
}

func TestReconnectAsAnswererWaits(t *testing.T) {
	m, factory, sig := newTestManager("peer-1")
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-a"}
	m.HandleOffer("peer-2", offer)

	if err := m.ReconnectPeer("peer-2"); err != nil {
		t.Fatal(err)
	}
	if !factory.created[0].closed {
		t.Fatal("old transport should be closed")
	}
	if len(sig.offers) != 0 {
		t.Fatal("answerer side must wait for the remote offer after reconnect")
	}
	st, ok := m.LinkState("peer-2")
	if !ok || st != LinkNew {
		t.Fatalf("link state = %v/%v, want fresh record", st, ok)
	}
}

func TestPeerLeftClosesAndRemoves(t *testing.T) {
	m, factory, _ := newTestManager("peer-2")
	m.HandlePeerJoined("peer-1")

	m.HandlePeerLeft("peer-1")
	if !factory.created[0].closed {
		t.Fatal("transport should be closed on peer-left")
	}
	if _, ok := m.LinkState("peer-1"); ok {
		t.Fatal("record should be removed on peer-left")
	}
}

func TestConnectedAggregatesIgnoreFailedLinks(t *testing.T) {
	m, factory, _ := newTestManager("peer-9")
	m.HandlePeerJoined("peer-1")
	m.HandlePeerJoined("peer-2")

	factory.created[0].ev.OnStateChange(LinkConnected)
	factory.created[1].ev.OnStateChange(LinkConnecting)

	if m.ConnectedCount() != 1 {
		t.Fatalf("connected = %d, want 1", m.ConnectedCount())
	}
	if m.AllConnected() {
		t.Fatal("allConnected should be false while a link is connecting")
	}

	factory.created[1].ev.OnStateChange(LinkConnected)
	if !m.AllConnected() {
		t.Fatal("allConnected should be true once every link is connected")
	}

	// A failed link still occupies the roster but never counts.
	factory.created[0].ev.OnStateChange(LinkFailed)
	if m.ConnectedCount() != 1 || m.AllConnected() {
		t.Fatalf("connected=%d all=%v, want 1/false with a failed link", m.ConnectedCount(), m.AllConnected())
	}
	if _, ok := m.LinkState("peer-1"); !ok {
		t.Fatal("failed record should remain until an explicit leave")
	}
}

func TestLocalAudioAppliedUniformly(t *testing.T) {
	m, factory, _ := newTestManager("peer-9")
	m.HandlePeerJoined("peer-1")
	m.HandlePeerJoined("peer-2")

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetLocalAudio(track); err != nil {
		t.Fatal(err)
	}
	for i, tp := range factory.created {
		if len(tp.tracks) != 1 {
			t.Fatalf("transport %d has %d tracks, want 1", i, len(tp.tracks))
		}
	}

	// A link created afterwards picks up the current track on creation.
	m.HandlePeerJoined("peer-3")
	if len(factory.created[2].tracks) != 1 {
		t.Fatal("new link should carry the current local track")
	}

	if err := m.ClearLocalAudio(); err != nil {
		t.Fatal(err)
	}
	for i, tp := range factory.created {
		if len(tp.tracks) != 0 {
			t.Fatalf("transport %d still has tracks after clear", i)
		}
	}
}

func TestNegotiationFailureMarksFailedAndReports(t *testing.T) {
	factory := &fakeFactory{failSetRemote: true}
	sig := &recordSignaler{}
	var reported []string
	m := NewManager(Config{
		RoomID:      "room-1",
		LocalPeerID: "peer-2",
		Factory:     factory.New,
		Signaler:    sig,
		Logger:      slog.New(slog.DiscardHandler),
		OnError:     func(peerID string, _ error) { reported = append(reported, peerID) },
	})
	m.HandlePeerJoined("peer-1")

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "bad"}
	if err := m.HandleAnswer("peer-1", answer); err == nil {
		t.Fatal("expected negotiation failure")
	}
	st, _ := m.LinkState("peer-1")
	if st != LinkFailed {
		t.Fatalf("link state = %s, want failed", st)
	}
	if len(reported) != 1 || reported[0] != "peer-1" {
		t.Fatalf("reported = %v, want one report for peer-1", reported)
	}
	// No auto-retry: still exactly one transport.
	if len(factory.created) != 1 {
		t.Fatalf("created %d transports, want 1 (recovery is explicit)", len(factory.created))
	}
}

func TestCloseTearsDownEverything(t *testing.T) {
	m, factory, _ := newTestManager("peer-9")
	m.HandlePeerJoined("peer-1")
	m.HandlePeerJoined("peer-2")

	m.Close()
	for i, tp := range factory.created {
		if !tp.closed {
			t.Fatalf("transport %d not closed", i)
		}
	}
	if err := m.HandlePeerJoined("peer-3"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("err = %v, want ErrManagerClosed", err)
	}
}
