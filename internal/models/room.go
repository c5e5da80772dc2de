package models

import "time"

// Turn-taking modes.
const (
	ModeOpen              = "open"
	ModePushToTalk        = "pushToTalk"
	ModeDesignatedSpeaker = "designatedSpeaker"
)

// VoiceSettings is the per-room turn-taking configuration. Updates take
// effect on the next arbitration decision, never retroactively on entries
// already queued.
type VoiceSettings struct {
	Mode               string   `json:"mode"`
	LockDuringResponse bool     `json:"lockDuringResponse"`
	AllowInterrupt     bool     `json:"allowInterrupt"`
	EnableQueue        bool     `json:"enableQueue"`
	MaxQueueSize       int      `json:"maxQueueSize"`
	QueueTimeoutMs     int      `json:"queueTimeoutMs"`
	PriorityTimeoutMs  int      `json:"priorityTimeoutMs,omitempty"`
	LockTimeoutMs      int      `json:"lockTimeoutMs,omitempty"`
	MinTurnIntervalMs  int      `json:"minTurnIntervalMs"`
	DesignatedSpeakers []string `json:"designatedSpeakers,omitempty"`
}

// Normalize fills zero fields with sane defaults so a partially specified
// settings object is always usable.
func (s *VoiceSettings) Normalize() {
	if s.Mode == "" {
		s.Mode = ModeOpen
	}
	if s.MaxQueueSize <= 0 {
		s.MaxQueueSize = 10
	}
	if s.QueueTimeoutMs <= 0 {
		s.QueueTimeoutMs = 60_000
	}
	if s.PriorityTimeoutMs <= 0 {
		s.PriorityTimeoutMs = 2 * s.QueueTimeoutMs
	}
	if s.LockTimeoutMs <= 0 {
		s.LockTimeoutMs = 45_000
	}
	if s.MinTurnIntervalMs < 0 {
		s.MinTurnIntervalMs = 0
	}
}

func (s VoiceSettings) QueueTimeout() time.Duration    { return ms(s.QueueTimeoutMs) }
func (s VoiceSettings) PriorityTimeout() time.Duration { return ms(s.PriorityTimeoutMs) }
func (s VoiceSettings) LockTimeout() time.Duration     { return ms(s.LockTimeoutMs) }
func (s VoiceSettings) MinTurnInterval() time.Duration { return ms(s.MinTurnIntervalMs) }

// IsDesignated reports whether peerID is on the designated-speaker allow-list.
func (s VoiceSettings) IsDesignated(peerID string) bool {
	for _, id := range s.DesignatedSpeakers {
		if id == peerID {
			return true
		}
	}
	return false
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID               string        `json:"id"`
	Code             string        `json:"code"`      // Short, shareable room code (e.g., "ABCD123")
	CreatorID        string        `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt        time.Time     `json:"createdAt"`
	MaxParticipants  int           `json:"maxParticipants"`
	ParticipantCount int           `json:"participantCount"`
	Settings         VoiceSettings `json:"voiceSettings"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	MaxParticipants int            `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
	Settings        *VoiceSettings `json:"voiceSettings,omitempty"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}
