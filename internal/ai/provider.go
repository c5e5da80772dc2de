// Package ai connects a room to its shared voice agent. A Provider is one
// live model session; the orchestrator feeds it the active speaker's audio
// and mirrors its state back into the room.
package ai

import "context"

// State is the externally visible activity of the agent session.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

// Events are the callbacks a Provider fires. All of them are delivered from
// the provider's own read goroutine, never from inside a Provider method.
type Events struct {
	// OnStateChange fires when the session moves between idle, listening,
	// processing and speaking.
	OnStateChange func(State)
	// OnAudioDelta delivers a chunk of synthesized response audio (PCM16).
	OnAudioDelta func([]byte)
	// OnAudioDone fires once the current response's audio is complete.
	OnAudioDone func()
	// OnTranscript delivers text for either side of the conversation.
	// Role is "user" or "assistant"; final marks the end of an utterance.
	OnTranscript func(role, text string, final bool)
	// OnError receives session-level failures, including read-loop exit.
	OnError func(error)
}

// Provider is one live agent session bound to a room.
type Provider interface {
	// SendAudio appends raw PCM16 input audio to the session buffer.
	SendAudio(ctx context.Context, pcm []byte) error
	// CommitAudio closes the current input segment so the model can answer.
	CommitAudio(ctx context.Context) error
	// TriggerResponse asks the model to produce a response now.
	TriggerResponse(ctx context.Context) error
	// CancelResponse aborts the in-flight response, if any.
	CancelResponse(ctx context.Context) error
	// Close ends the session. No events fire after Close returns.
	Close() error
}
