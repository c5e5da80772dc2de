package arbiter

import "github.com/mossy-p/voicemesh/internal/turnqueue"

// Listener receives arbitration events. Every member is always invoked with
// the service lock released, so a listener may call back into the Service
// from inside a notification.
type Listener interface {
	TurnGranted(roomID string, entry turnqueue.Entry)
	TurnEnded(roomID string, entry turnqueue.Entry, cause EndCause)
	QueueChanged(roomID string, waiting []turnqueue.Entry)
	EntryExpired(roomID string, entry turnqueue.Entry)
	StateChanged(roomID string, from, to State)
	ArbiterError(roomID string, err error)
}

// NoopListener implements Listener with no-ops; embed it to observe only the
// events of interest.
type NoopListener struct{}

func (NoopListener) TurnGranted(string, turnqueue.Entry)         {}
func (NoopListener) TurnEnded(string, turnqueue.Entry, EndCause) {}
func (NoopListener) QueueChanged(string, []turnqueue.Entry)      {}
func (NoopListener) EntryExpired(string, turnqueue.Entry)        {}
func (NoopListener) StateChanged(string, State, State)           {}
func (NoopListener) ArbiterError(string, error)                  {}
