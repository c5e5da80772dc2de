package roomsvc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"golang.org/x/sync/errgroup"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/mossy-p/voicemesh/internal/ai"
)

const (
	meshSampleRate  = 48000 // opus over RTP
	agentSampleRate = 24000 // pcm16 expected by the agent session
	frameDuration   = 20 * time.Millisecond
	meshFrameSize   = meshSampleRate / 50 // samples per channel per 20 ms
	agentFrameSize  = agentSampleRate / 50
)

// speakerPump moves the active speaker's audio from their mesh link into the
// agent session: depacketize, decode, downmix to 24 kHz mono, forward.
type speakerPump struct {
	cancel context.CancelFunc
}

func newSpeakerPump(track *webrtc.TrackRemote, provider ai.Provider, logger *slog.Logger) *speakerPump {
	ctx, cancel := context.WithCancel(context.Background())
	p := &speakerPump{cancel: cancel}
	go p.run(ctx, track, provider, logger)
	return p
}

func (p *speakerPump) stop() { p.cancel() }

func (p *speakerPump) run(ctx context.Context, track *webrtc.TrackRemote, provider ai.Provider, logger *slog.Logger) {
	channels := int(track.Codec().Channels)
	if channels <= 0 {
		channels = 1
	}
	dec, err := opus.NewDecoder(meshSampleRate, channels)
	if err != nil {
		logger.Error("opus decoder unavailable", "err", err)
		return
	}

	sb := samplebuilder.New(50, &codecs.OpusPacket{}, meshSampleRate)
	frames := make(chan []int16, 12)
	scratch := make([]int16, meshFrameSize*channels*3)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(frames)
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			sb.Push(pkt)
			for {
				smp := sb.Pop()
				if smp == nil {
					break
				}
				n, err := dec.Decode(smp.Data, scratch)
				if err != nil || n == 0 {
					continue
				}
				pcm := make([]int16, n*channels)
				copy(pcm, scratch[:n*channels])
				select {
				case frames <- pcm:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case pcm, ok := <-frames:
				if !ok {
					return nil
				}
				mono := downmixTo24kMono(pcm, channels)
				if len(mono) == 0 {
					continue
				}
				if err := provider.SendAudio(ctx, int16LE(mono)); err != nil {
					return err
				}
			}
		}
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("speaker audio pump stopped", "err", err)
	}
}

// agentVoice carries the agent's synthesized speech into the mesh: buffer the
// 24 kHz PCM deltas, encode 20 ms opus frames, write them to the shared
// outgoing track.
type agentVoice struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enc     *opus.Encoder
	pending []int16
	buf     []byte
}

func newAgentVoice() (*agentVoice, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: meshSampleRate, Channels: 2},
		"audio", AgentPeerID)
	if err != nil {
		return nil, err
	}
	enc, err := opus.NewEncoder(agentSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	return &agentVoice{track: track, enc: enc, buf: make([]byte, 1500)}, nil
}

// Write appends a PCM16 delta and flushes every complete 20 ms frame.
func (v *agentVoice) Write(pcm []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = append(v.pending, int16FromLE(pcm)...)
	for len(v.pending) >= agentFrameSize {
		frame := v.pending[:agentFrameSize]
		n, err := v.enc.Encode(frame, v.buf)
		if err != nil {
			return err
		}
		v.pending = v.pending[agentFrameSize:]
		data := make([]byte, n)
		copy(data, v.buf[:n])
		if err := v.track.WriteSample(media.Sample{Data: data, Duration: frameDuration}); err != nil {
			return err
		}
	}
	return nil
}

// downmixTo24kMono converts a 48 kHz frame to 24 kHz mono by averaging the
// channels and then pairs of consecutive samples.
func downmixTo24kMono(in []int16, channels int) []int16 {
	switch channels {
	case 1:
		outLen := len(in) / 2
		out := make([]int16, outLen)
		for i := 0; i < outLen; i++ {
			out[i] = int16((int(in[2*i]) + int(in[2*i+1])) / 2)
		}
		return out
	case 2:
		frames := len(in) / 2
		outLen := frames / 2
		out := make([]int16, outLen)
		for j := 0; j < outLen; j++ {
			m0 := (int(in[4*j]) + int(in[4*j+1])) / 2
			m1 := (int(in[4*j+2]) + int(in[4*j+3])) / 2
			out[j] = int16((m0 + m1) / 2)
		}
		return out
	default:
		return nil
	}
}

func int16LE(xs []int16) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, xs)
	return buf.Bytes()
}

func int16FromLE(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out
}
