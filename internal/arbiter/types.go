package arbiter

import (
	"time"

	"github.com/mossy-p/voicemesh/internal/turnqueue"
)

// State is the AI response lifecycle state of one room.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateLocked     State = "locked"
)

// Reason is the machine-readable cause of a rejected or deferred operation.
// Precondition failures are expected outcomes of concurrent requests, so they
// are reported as values, never as errors.
type Reason string

const (
	ReasonRoomNotInitialized  Reason = "room-not-initialized"
	ReasonQueueFull           Reason = "queue-full"
	ReasonAlreadyQueued       Reason = "already-queued"
	ReasonNotDesignated       Reason = "not-designated-speaker"
	ReasonQueueDisabledBusy   Reason = "queue-disabled-busy"
	ReasonCooldown            Reason = "waiting-for-minimum-interval"
	ReasonBusy                Reason = "busy"
	ReasonQueueEmpty          Reason = "queue-empty"
	ReasonInterruptNotAllowed Reason = "interrupt-not-allowed"
)

// EndCause records why an active turn ended.
type EndCause string

const (
	EndFinished    EndCause = "finished"
	EndCancelled   EndCause = "cancelled"
	EndInterrupted EndCause = "interrupted"
	EndLockTimeout EndCause = "lock-timeout"
)

// RequestResult is the outcome of RequestTurn. Exactly one of Entry or
// Reason is meaningful: a nil Entry means the request was rejected.
type RequestResult struct {
	Entry    *turnqueue.Entry
	Granted  bool // entry became active immediately (position 0)
	Existing bool // peer already had a waiting or active entry; it is returned
	Reason   Reason
}

// Snapshot is a read-only copy of one room's arbitration state.
type Snapshot struct {
	RoomID         string
	State          State
	StateSince     time.Time
	ActiveEntry    *turnqueue.Entry
	Waiting        []turnqueue.Entry
	TotalProcessed int
	TotalExpired   int
	Healthy        bool
	LastError      string
	CooldownUntil  time.Time
}
