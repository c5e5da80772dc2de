package models

import "encoding/json"

// SignalType represents the type of message carried over the signaling socket
type SignalType string

const (
	// Roster events
	SignalTypeJoin  SignalType = "join"
	SignalTypeLeave SignalType = "leave"

	// WebRTC negotiation, relayed verbatim between peers (or to the agent)
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"

	// Turn arbitration (client -> server)
	SignalTypeTurnRequest SignalType = "turn-request"
	SignalTypeTurnCancel  SignalType = "turn-cancel"
	SignalTypeInterrupt   SignalType = "interrupt"

	// Turn arbitration (server -> clients)
	SignalTypeTurnGranted  SignalType = "turn-granted"
	SignalTypeTurnRejected SignalType = "turn-rejected"
	SignalTypeTurnEnded    SignalType = "turn-ended"
	SignalTypeQueueUpdate  SignalType = "queue-update"
	SignalTypeAIState      SignalType = "ai-state"
	SignalTypeTranscript   SignalType = "transcript"
	SignalTypePeerTrouble  SignalType = "peer-trouble"

	SignalTypeError SignalType = "error"
)

// SignalMessage is the envelope for every message on the signaling socket.
// Seq is a per-room sequence number on server-originated events.
type SignalMessage struct {
	Type    SignalType      `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	RoomID  string          `json:"roomId"`
	Seq     int             `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RosterPayload lists the peers already in the room, sent with the join
// confirmation so a newcomer can open its mesh links without discovery.
type RosterPayload struct {
	Peers []string `json:"peers"`
}

// TurnRequestPayload is the client payload for turn-request.
type TurnRequestPayload struct {
	Priority int `json:"priority,omitempty"`
}

// TurnCancelPayload is the client payload for turn-cancel.
type TurnCancelPayload struct {
	EntryID string `json:"entryId"`
}

// TurnGrantedPayload notifies the room that a peer now holds the floor.
type TurnGrantedPayload struct {
	EntryID     string `json:"entryId"`
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
}

// TurnRejectedPayload carries the machine-readable rejection reason.
type TurnRejectedPayload struct {
	Reason string `json:"reason"`
}

// TurnEndedPayload notifies the room that the active turn finished.
type TurnEndedPayload struct {
	EntryID string `json:"entryId"`
	PeerID  string `json:"peerId"`
	Cause   string `json:"cause"`
}

// QueueEntryView is the read-only projection of one waiting entry.
type QueueEntryView struct {
	EntryID     string `json:"entryId"`
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Position    int    `json:"position"`
}

// QueueUpdatePayload is broadcast after every structural queue change.
type QueueUpdatePayload struct {
	Entries []QueueEntryView `json:"entries"`
}

// AIStatePayload is broadcast on every arbitration state transition.
type AIStatePayload struct {
	State        string `json:"state"`
	ActivePeerID string `json:"activePeerId,omitempty"`
}

// TranscriptPayload carries AI transcript fragments to the room.
type TranscriptPayload struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// PeerTroublePayload reports a failed or closed mesh link.
type PeerTroublePayload struct {
	PeerID string `json:"peerId"`
	State  string `json:"state"`
}
