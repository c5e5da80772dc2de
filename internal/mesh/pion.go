package mesh

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PionFactory builds pion-backed peer transports sharing one media engine
// and ICE configuration.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory registers the default codecs and interceptors once and
// returns a factory usable for every link in the process.
func NewPionFactory(stunURLs []string) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))

	return &PionFactory{
		api: api,
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
		},
	}, nil
}

// NewTransport implements TransportFactory.
func (f *PionFactory) NewTransport(_ string, ev TransportEvents) (PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &pionTransport{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks end of gathering; the mesh manager trickles, so only
		// concrete candidates are forwarded.
		if c == nil || ev.OnCandidate == nil {
			return
		}
		ev.OnCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if ev.OnStateChange == nil {
			return
		}
		ev.OnStateChange(linkStateFrom(state))
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio || ev.OnRemoteTrack == nil {
			return
		}
		ev.OnRemoteTrack(track)
	})
	return t, nil
}

func linkStateFrom(state webrtc.PeerConnectionState) LinkState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return LinkNew
	case webrtc.PeerConnectionStateConnecting:
		return LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed
	default:
		return LinkClosed
	}
}

type pionTransport struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*webrtc.RTPSender
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *pionTransport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

func (t *pionTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

func (t *pionTransport) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(cand)
}

func (t *pionTransport) AddAudioTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.senders = append(t.senders, sender)
	t.mu.Unlock()
	return nil
}

func (t *pionTransport) RemoveAudioTracks() error {
	t.mu.Lock()
	senders := t.senders
	t.senders = nil
	t.mu.Unlock()
	var firstErr error
	for _, s := range senders {
		if err := t.pc.RemoveTrack(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
