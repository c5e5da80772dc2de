// Package arbiter decides which participant may address a room's AI agent.
// It wraps the turn queue with the AI response lifecycle
// (idle -> listening -> processing -> speaking -> idle, with a lock overlay)
// and owns every timer involved: entry expiry, lock-timeout safety release
// and the minimum-interval cooldown between turns.
package arbiter

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/voicemesh/internal/clock"
	"github.com/mossy-p/voicemesh/internal/models"
	"github.com/mossy-p/voicemesh/internal/turnqueue"
)

// ErrLockTimeoutSafetyRelease reports that a stuck speaking/locked state was
// force-released by the safety timer.
var ErrLockTimeoutSafetyRelease = errors.New("lock timeout safety release")

type room struct {
	id         string
	settings   models.VoiceSettings
	state      State
	stateSince time.Time
	active     *turnqueue.Entry
	queue      *turnqueue.Queue

	expiry map[string]clock.Timer // entry id -> expiry timer

	lockTimer clock.Timer
	lockGen   int

	cooldownUntil time.Time
	cooldownTimer clock.Timer
	cooldownGen   int

	totalProcessed int
	totalExpired   int
	healthy        bool
	lastErr        string
}

// Service owns the arbitration state of every room, keyed by room id. Rooms
// are fully isolated: operations on one never touch another's queue or
// timers. Listener notifications always fire with the lock released, so
// re-entrant calls from a listener are safe.
type Service struct {
	mu        sync.Mutex
	rooms     map[string]*room
	sched     clock.Scheduler
	logger    *slog.Logger
	listeners []Listener
}

func NewService(sched clock.Scheduler, logger *slog.Logger) *Service {
	return &Service{
		rooms:  make(map[string]*room),
		sched:  sched,
		logger: logger,
	}
}

// AddListener registers l for events from every room.
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// InitRoom sets up arbitration for a room. Idempotent: a second call with the
// same id is a no-op.
func (s *Service) InitRoom(roomID string, settings models.VoiceSettings) {
	settings.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return
	}
	s.rooms[roomID] = &room{
		id:         roomID,
		settings:   settings,
		state:      StateIdle,
		stateSince: s.sched.Now(),
		queue:      turnqueue.New(),
		expiry:     make(map[string]clock.Timer),
		healthy:    true,
	}
	s.logger.Info("arbiter room initialized", "room", roomID, "mode", settings.Mode)
}

// UpdateSettings replaces the room's settings. The change takes effect on the
// next arbitration decision; entries already queued keep their expiry.
func (s *Service) UpdateSettings(roomID string, settings models.VoiceSettings) bool {
	settings.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	r.settings = settings
	return true
}

// RequestTurn asks for the floor on behalf of peerID. If the AI is idle, the
// queue is empty and no cooldown is pending, the entry is granted
// immediately; otherwise it is queued (or rejected, see RequestResult).
// A repeat request from the same peer returns its existing entry.
func (s *Service) RequestTurn(roomID, peerID, displayName string, priority int) RequestResult {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return RequestResult{Reason: ReasonRoomNotInitialized}
	}
	ls := s.listenersLocked()
	now := s.sched.Now()

	if r.active != nil && r.active.PeerID == peerID {
		res := RequestResult{Entry: copyEntry(r.active), Granted: true, Existing: true}
		s.mu.Unlock()
		return res
	}
	if e := r.queue.ByPeer(peerID); e != nil {
		res := RequestResult{Entry: copyEntry(e), Existing: true}
		s.mu.Unlock()
		return res
	}
	if r.settings.Mode == models.ModeDesignatedSpeaker && !r.settings.IsDesignated(peerID) {
		s.mu.Unlock()
		return RequestResult{Reason: ReasonNotDesignated}
	}

	busy := r.active != nil || r.state != StateIdle
	cooling := r.cooldownUntil.After(now)

	if !busy && !cooling {
		e := &turnqueue.Entry{
			ID:          uuid.NewString(),
			PeerID:      peerID,
			DisplayName: displayName,
			Priority:    priority,
			CreatedAt:   now,
			Position:    0,
		}
		r.active = e
		granted := copyEntry(e)
		notes = append(notes, func() {
			for _, l := range ls {
				l.TurnGranted(roomID, *granted)
			}
		})
		s.logger.Debug("turn granted immediately", "room", roomID, "peer", peerID)
		s.mu.Unlock()
		fire(notes)
		return RequestResult{Entry: granted, Granted: true}
	}

	if !r.settings.EnableQueue {
		reason := ReasonQueueDisabledBusy
		if !busy {
			reason = ReasonCooldown
		}
		s.mu.Unlock()
		return RequestResult{Reason: reason}
	}
	if r.queue.Len() >= r.settings.MaxQueueSize {
		s.mu.Unlock()
		return RequestResult{Reason: ReasonQueueFull}
	}

	timeout := r.settings.QueueTimeout()
	if priority > 0 {
		timeout = r.settings.PriorityTimeout()
	}
	e := &turnqueue.Entry{
		ID:          uuid.NewString(),
		PeerID:      peerID,
		DisplayName: displayName,
		Priority:    priority,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
	}
	r.queue.Push(e)
	s.armExpiryLocked(r, e, timeout)
	notes = append(notes, s.queueChangedNote(r, ls))

	// An idle room in cooldown has nothing else that would promote this
	// entry, so make sure the cooldown timer is running.
	if !busy && cooling && r.cooldownTimer == nil {
		s.armCooldownTimerLocked(r, r.cooldownUntil.Sub(now))
	}

	queued := copyEntry(e)
	s.logger.Debug("turn queued", "room", roomID, "peer", peerID, "position", queued.Position)
	s.mu.Unlock()
	fire(notes)
	return RequestResult{Entry: queued}
}

// CancelRequest removes a waiting entry, or ends the active turn if entryID
// is the active entry.
func (s *Service) CancelRequest(roomID, entryID string) bool {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	ls := s.listenersLocked()
	now := s.sched.Now()

	if r.active != nil && r.active.ID == entryID {
		s.endTurnLocked(r, EndCancelled, now, ls, &notes)
		s.scheduleAdvanceLocked(r, now, ls, &notes)
		s.mu.Unlock()
		fire(notes)
		return true
	}

	e := r.queue.Remove(entryID)
	if e == nil {
		s.mu.Unlock()
		return false
	}
	s.stopExpiryLocked(r, entryID)
	notes = append(notes, s.queueChangedNote(r, ls))
	s.mu.Unlock()
	fire(notes)
	return true
}

// StartListening moves idle -> listening for the peer holding the active
// entry. Calling it again while already listening for that peer is a no-op
// success; any other combination is rejected.
func (s *Service) StartListening(roomID, peerID string) bool {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || r.active == nil || r.active.PeerID != peerID {
		s.mu.Unlock()
		return false
	}
	if r.state == StateListening {
		s.mu.Unlock()
		return true
	}
	if r.state != StateIdle {
		s.mu.Unlock()
		return false
	}
	s.setStateLocked(r, StateListening, s.sched.Now(), s.listenersLocked(), &notes)
	s.mu.Unlock()
	fire(notes)
	return true
}

// StartProcessing moves listening -> processing (local VAD ended, awaiting
// the AI response).
func (s *Service) StartProcessing(roomID string) bool {
	return s.transition(roomID, StateProcessing, StateListening)
}

// StartSpeaking moves listening|processing -> speaking and, when the room
// locks during responses, arms the safety lock-timeout.
func (s *Service) StartSpeaking(roomID string) bool {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || (r.state != StateListening && r.state != StateProcessing) {
		s.mu.Unlock()
		return false
	}
	s.setStateLocked(r, StateSpeaking, s.sched.Now(), s.listenersLocked(), &notes)
	if r.settings.LockDuringResponse {
		s.armLockTimerLocked(r)
	}
	s.mu.Unlock()
	fire(notes)
	return true
}

// FinishSpeaking ends the active turn from speaking or locked, returns the
// room to idle and auto-advances the queue when enabled.
func (s *Service) FinishSpeaking(roomID string) bool {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || (r.state != StateSpeaking && r.state != StateLocked) {
		s.mu.Unlock()
		return false
	}
	ls := s.listenersLocked()
	now := s.sched.Now()
	if r.active != nil {
		s.endTurnLocked(r, EndFinished, now, ls, &notes)
	} else {
		// Manual lock with no active turn.
		s.stopLockTimerLocked(r)
		s.setStateLocked(r, StateIdle, now, ls, &notes)
	}
	s.scheduleAdvanceLocked(r, now, ls, &notes)
	s.mu.Unlock()
	fire(notes)
	return true
}

// Lock puts the room into the manual hold state and arms the safety timeout.
func (s *Service) Lock(roomID, reason string) bool {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if r.state == StateLocked {
		s.mu.Unlock()
		return true
	}
	s.setStateLocked(r, StateLocked, s.sched.Now(), s.listenersLocked(), &notes)
	s.armLockTimerLocked(r)
	s.logger.Info("room locked", "room", roomID, "reason", reason)
	s.mu.Unlock()
	fire(notes)
	return true
}

// Unlock releases a manual or response lock, always returning the room to
// idle, and triggers auto-advance.
func (s *Service) Unlock(roomID string) bool {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || r.state != StateLocked {
		s.mu.Unlock()
		return false
	}
	ls := s.listenersLocked()
	now := s.sched.Now()
	if r.active != nil {
		s.endTurnLocked(r, EndFinished, now, ls, &notes)
	} else {
		s.stopLockTimerLocked(r)
		s.setStateLocked(r, StateIdle, now, ls, &notes)
	}
	s.scheduleAdvanceLocked(r, now, ls, &notes)
	s.mu.Unlock()
	fire(notes)
	return true
}

// Interrupt hard-stops a speaking or locked room when interruption is
// allowed. The queue is not auto-advanced: an interruption is a hard stop the
// caller must act on (via ProcessNext or a new request).
func (s *Service) Interrupt(roomID, byPeerID, reason string) bool {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || (r.state != StateSpeaking && r.state != StateLocked) {
		s.mu.Unlock()
		return false
	}
	if !r.settings.AllowInterrupt {
		s.mu.Unlock()
		return false
	}
	ls := s.listenersLocked()
	now := s.sched.Now()
	if r.active != nil {
		s.endTurnLocked(r, EndInterrupted, now, ls, &notes)
	} else {
		s.stopLockTimerLocked(r)
		s.setStateLocked(r, StateIdle, now, ls, &notes)
	}
	s.logger.Info("turn interrupted", "room", roomID, "by", byPeerID, "reason", reason)
	s.mu.Unlock()
	fire(notes)
	return true
}

// ProcessNext explicitly promotes the head of the queue to active. During
// the cooldown window it fails with ReasonCooldown instead of blocking.
func (s *Service) ProcessNext(roomID string) (*turnqueue.Entry, Reason) {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil, ReasonRoomNotInitialized
	}
	now := s.sched.Now()
	if r.active != nil || r.state != StateIdle {
		s.mu.Unlock()
		return nil, ReasonBusy
	}
	if r.cooldownUntil.After(now) {
		s.mu.Unlock()
		return nil, ReasonCooldown
	}
	ls := s.listenersLocked()
	s.sweepExpiredLocked(r, now, ls, &notes)
	if r.queue.Len() == 0 {
		s.mu.Unlock()
		fire(notes)
		return nil, ReasonQueueEmpty
	}
	s.advanceLocked(r, ls, &notes)
	promoted := copyEntry(r.active)
	s.mu.Unlock()
	fire(notes)
	return promoted, ""
}

// CanRequestTurn is the read-only precondition check mirroring RequestTurn's
// rejection rules, for UI affordance.
func (s *Service) CanRequestTurn(roomID, peerID string) (bool, Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false, ReasonRoomNotInitialized
	}
	if r.settings.Mode == models.ModeDesignatedSpeaker && !r.settings.IsDesignated(peerID) {
		return false, ReasonNotDesignated
	}
	if (r.active != nil && r.active.PeerID == peerID) || r.queue.ByPeer(peerID) != nil {
		return false, ReasonAlreadyQueued
	}
	now := s.sched.Now()
	busy := r.active != nil || r.state != StateIdle
	cooling := r.cooldownUntil.After(now)
	if !busy && !cooling {
		return true, ""
	}
	if !r.settings.EnableQueue {
		if busy {
			return false, ReasonQueueDisabledBusy
		}
		return false, ReasonCooldown
	}
	if r.queue.Len() >= r.settings.MaxQueueSize {
		return false, ReasonQueueFull
	}
	return true, ""
}

// Snapshot returns a read-only copy of the room's arbitration state.
func (s *Service) Snapshot(roomID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{
		RoomID:         r.id,
		State:          r.state,
		StateSince:     r.stateSince,
		Waiting:        waitingCopy(r),
		TotalProcessed: r.totalProcessed,
		TotalExpired:   r.totalExpired,
		Healthy:        r.healthy,
		LastError:      r.lastErr,
		CooldownUntil:  r.cooldownUntil,
	}
	if r.active != nil {
		snap.ActiveEntry = copyEntry(r.active)
	}
	return snap, true
}

// Settings returns the room's current voice settings.
func (s *Service) Settings(roomID string) (models.VoiceSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return models.VoiceSettings{}, false
	}
	return r.settings, true
}

// DisposeRoom cancels every timer the room owns and drops its state.
func (s *Service) DisposeRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for id, t := range r.expiry {
		t.Stop()
		delete(r.expiry, id)
	}
	s.stopLockTimerLocked(r)
	s.stopCooldownTimerLocked(r)
	delete(s.rooms, roomID)
	s.logger.Info("arbiter room disposed", "room", roomID)
}

// --- internals ---

func (s *Service) transition(roomID string, to State, from ...State) bool {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	valid := false
	for _, f := range from {
		if r.state == f {
			valid = true
			break
		}
	}
	if !valid {
		s.mu.Unlock()
		return false
	}
	s.setStateLocked(r, to, s.sched.Now(), s.listenersLocked(), &notes)
	s.mu.Unlock()
	fire(notes)
	return true
}

func (s *Service) setStateLocked(r *room, to State, now time.Time, ls []Listener, notes *[]func()) {
	if r.state == to {
		return
	}
	from := r.state
	r.state = to
	r.stateSince = now
	roomID := r.id
	*notes = append(*notes, func() {
		for _, l := range ls {
			l.StateChanged(roomID, from, to)
		}
	})
}

// endTurnLocked clears the active entry and returns the room to idle. The
// cooldown window starts here regardless of the cause.
func (s *Service) endTurnLocked(r *room, cause EndCause, now time.Time, ls []Listener, notes *[]func()) {
	s.stopLockTimerLocked(r)
	ended := *r.active
	r.active = nil
	if cause == EndFinished || cause == EndCancelled {
		r.totalProcessed++
	}
	if cause == EndFinished {
		r.healthy = true
		r.lastErr = ""
	}
	if iv := r.settings.MinTurnInterval(); iv > 0 {
		r.cooldownUntil = now.Add(iv)
	}
	s.setStateLocked(r, StateIdle, now, ls, notes)
	roomID := r.id
	*notes = append(*notes, func() {
		for _, l := range ls {
			l.TurnEnded(roomID, ended, cause)
		}
	})
}

// scheduleAdvanceLocked promotes the next waiting entry, either immediately
// or after the cooldown window elapses.
func (s *Service) scheduleAdvanceLocked(r *room, now time.Time, ls []Listener, notes *[]func()) {
	if !r.settings.EnableQueue {
		return
	}
	s.sweepExpiredLocked(r, now, ls, notes)
	if r.queue.Len() == 0 {
		return
	}
	if d := r.cooldownUntil.Sub(now); d > 0 {
		s.armCooldownTimerLocked(r, d)
		return
	}
	s.advanceLocked(r, ls, notes)
}

func (s *Service) advanceLocked(r *room, ls []Listener, notes *[]func()) {
	e := r.queue.PopNext()
	if e == nil {
		return
	}
	s.stopExpiryLocked(r, e.ID)
	r.active = e
	roomID := r.id
	granted := *e
	*notes = append(*notes, func() {
		for _, l := range ls {
			l.TurnGranted(roomID, granted)
		}
	})
	*notes = append(*notes, s.queueChangedNote(r, ls))
	s.logger.Debug("queued turn promoted", "room", roomID, "peer", e.PeerID)
}

func (s *Service) armExpiryLocked(r *room, e *turnqueue.Entry, d time.Duration) {
	roomID, entryID := r.id, e.ID
	r.expiry[entryID] = s.sched.AfterFunc(d, func() {
		s.expireEntry(roomID, entryID)
	})
}

func (s *Service) stopExpiryLocked(r *room, entryID string) {
	if t, ok := r.expiry[entryID]; ok {
		t.Stop()
		delete(r.expiry, entryID)
	}
}

func (s *Service) expireEntry(roomID, entryID string) {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(r.expiry, entryID)
	e := r.queue.Remove(entryID)
	if e == nil {
		s.mu.Unlock()
		return
	}
	r.totalExpired++
	ls := s.listenersLocked()
	expired := *e
	notes = append(notes, func() {
		for _, l := range ls {
			l.EntryExpired(roomID, expired)
		}
	})
	notes = append(notes, s.queueChangedNote(r, ls))
	s.logger.Debug("queue entry expired", "room", roomID, "peer", e.PeerID)
	s.mu.Unlock()
	fire(notes)
}

// sweepExpiredLocked drops entries already past their deadline before any
// promotion decision. An entry whose expiry callback has not run yet (it may
// still be waiting on the service lock) must never get the floor.
func (s *Service) sweepExpiredLocked(r *room, now time.Time, ls []Listener, notes *[]func()) {
	expired := r.queue.RemoveExpired(now)
	if len(expired) == 0 {
		return
	}
	roomID := r.id
	for _, e := range expired {
		s.stopExpiryLocked(r, e.ID)
		r.totalExpired++
		ev := *e
		*notes = append(*notes, func() {
			for _, l := range ls {
				l.EntryExpired(roomID, ev)
			}
		})
	}
	*notes = append(*notes, s.queueChangedNote(r, ls))
	s.logger.Debug("stale queue entries swept", "room", roomID, "count", len(expired))
}

func (s *Service) armLockTimerLocked(r *room) {
	s.stopLockTimerLocked(r)
	r.lockGen++
	gen := r.lockGen
	roomID := r.id
	r.lockTimer = s.sched.AfterFunc(r.settings.LockTimeout(), func() {
		s.lockTimeoutFired(roomID, gen)
	})
}

func (s *Service) stopLockTimerLocked(r *room) {
	if r.lockTimer != nil {
		r.lockTimer.Stop()
		r.lockTimer = nil
	}
	r.lockGen++
}

// lockTimeoutFired is the safety net bounding queue starvation from a stuck
// AI session: it force-ends the turn and reports the cause through the error
// channel instead of surfacing a caller-facing failure.
func (s *Service) lockTimeoutFired(roomID string, gen int) {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || r.lockGen != gen {
		s.mu.Unlock()
		return
	}
	if r.state != StateSpeaking && r.state != StateLocked {
		s.mu.Unlock()
		return
	}
	r.lockTimer = nil
	r.healthy = false
	r.lastErr = ErrLockTimeoutSafetyRelease.Error()
	ls := s.listenersLocked()
	now := s.sched.Now()
	notes = append(notes, func() {
		for _, l := range ls {
			l.ArbiterError(roomID, ErrLockTimeoutSafetyRelease)
		}
	})
	if r.active != nil {
		s.endTurnLocked(r, EndLockTimeout, now, ls, &notes)
	} else {
		s.setStateLocked(r, StateIdle, now, ls, &notes)
	}
	s.scheduleAdvanceLocked(r, now, ls, &notes)
	s.logger.Warn("lock timeout released room", "room", roomID)
	s.mu.Unlock()
	fire(notes)
}

func (s *Service) armCooldownTimerLocked(r *room, d time.Duration) {
	s.stopCooldownTimerLocked(r)
	r.cooldownGen++
	gen := r.cooldownGen
	roomID := r.id
	r.cooldownTimer = s.sched.AfterFunc(d, func() {
		s.cooldownElapsed(roomID, gen)
	})
}

func (s *Service) stopCooldownTimerLocked(r *room) {
	if r.cooldownTimer != nil {
		r.cooldownTimer.Stop()
		r.cooldownTimer = nil
	}
	r.cooldownGen++
}

func (s *Service) cooldownElapsed(roomID string, gen int) {
	var notes []func()
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || r.cooldownGen != gen {
		s.mu.Unlock()
		return
	}
	r.cooldownTimer = nil
	now := s.sched.Now()
	if r.active == nil && r.state == StateIdle && !r.cooldownUntil.After(now) {
		ls := s.listenersLocked()
		s.sweepExpiredLocked(r, now, ls, &notes)
		if r.queue.Len() > 0 {
			s.advanceLocked(r, ls, &notes)
		}
	}
	s.mu.Unlock()
	fire(notes)
}

func (s *Service) listenersLocked() []Listener {
	return append([]Listener(nil), s.listeners...)
}

func (s *Service) queueChangedNote(r *room, ls []Listener) func() {
	roomID := r.id
	waiting := waitingCopy(r)
	return func() {
		for _, l := range ls {
			l.QueueChanged(roomID, waiting)
		}
	}
}

func waitingCopy(r *room) []turnqueue.Entry {
	entries := r.queue.Entries()
	out := make([]turnqueue.Entry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

func copyEntry(e *turnqueue.Entry) *turnqueue.Entry {
	c := *e
	return &c
}

func fire(notes []func()) {
	for _, n := range notes {
		n()
	}
}
