package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studyhive/studyhive/internal/config"
	"github.com/studyhive/studyhive/internal/events"
	"github.com/studyhive/studyhive/internal/protocol"
	"github.com/studyhive/studyhive/internal/store"
	"github.com/studyhive/studyhive/internal/timer"
)

// ErrSessionStopped is returned when a command is submitted to a
// session whose worker has exited.
var ErrSessionStopped = errors.New("room session stopped")

// Session is the live, in-memory, single-writer authority for one
// room. All state-affecting operations funnel through one command
// channel consumed by one goroutine, so the timer machine and roster
// are never mutated concurrently and need no locking of their own.
type Session struct {
	code      string
	name      string
	creatorID string
	createdAt time.Time

	cfg   config.RoomConfig
	clock clockwork.Clock
	store store.Store
	pub   events.Publisher

	machine *timer.Machine
	roster  *Roster
	admins  map[string]bool
	atts    map[string]*Attachment

	cmds     chan command
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	dirty           bool
	retryCheckpoint atomic.Bool
	saveInflight    atomic.Bool
	lastResync      time.Time

	attCount   atomic.Int32
	emptySince atomic.Int64 // unix nanos; 0 while connections are attached
}

type command interface{ isCommand() }

type attachCmd struct{ att *Attachment }
type detachCmd struct{ att *Attachment }
type messageCmd struct {
	from *Attachment
	env  *protocol.Envelope
}

func (attachCmd) isCommand()  {}
func (detachCmd) isCommand()  {}
func (messageCmd) isCommand() {}

// Params carries everything a session needs from the registry.
type Params struct {
	Code      string
	Name      string
	CreatorID string
	CreatedAt time.Time
	Machine   *timer.Machine
	Roster    *Roster
	Config    config.RoomConfig
	Clock     clockwork.Clock
	Store     store.Store
	Publisher events.Publisher
}

// NewSession builds a session. Run must be started before commands are
// submitted.
func NewSession(p Params) *Session {
	if p.Machine == nil {
		p.Machine = timer.New(p.Config.Durations())
	}
	if p.Roster == nil {
		p.Roster = NewRoster()
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Publisher == nil {
		p.Publisher = events.NopPublisher{}
	}
	s := &Session{
		code:      p.Code,
		name:      p.Name,
		creatorID: p.CreatorID,
		createdAt: p.CreatedAt,
		cfg:       p.Config,
		clock:     p.Clock,
		store:     p.Store,
		pub:       p.Publisher,
		machine:   p.Machine,
		roster:    p.Roster,
		admins:    make(map[string]bool),
		atts:      make(map[string]*Attachment),
		cmds:      make(chan command, 256),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	s.emptySince.Store(p.Clock.Now().UnixNano())
	return s
}

// Code returns the room's shareable code.
func (s *Session) Code() string { return s.code }

// CreatorID returns the room creator's identity.
func (s *Session) CreatorID() string { return s.creatorID }

// ConnCount returns the number of attached connections.
func (s *Session) ConnCount() int { return int(s.attCount.Load()) }

// IdleSince reports when the session last dropped to zero connections.
// ok is false while any connection is attached.
func (s *Session) IdleSince() (time.Time, bool) {
	n := s.emptySince.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// Stopped is closed when the session worker exits.
func (s *Session) Stopped() <-chan struct{} { return s.stopped }

// stop asks the worker to exit after a final checkpoint. Idempotent;
// only the registry calls it.
func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Attach registers a connection with the session. On success the new
// connection immediately receives the full roster and the current
// timer snapshot, and everyone else receives the join delta.
func (s *Session) Attach(att *Attachment) error {
	return s.enqueue(attachCmd{att: att})
}

// Detach removes a connection. The gateway calls this on any
// disconnect, graceful or not, so an intentional leave is reflected
// without waiting for heartbeat expiry.
func (s *Session) Detach(att *Attachment) {
	_ = s.enqueue(detachCmd{att: att})
}

// Submit forwards a validated inbound envelope into the room's event
// stream.
func (s *Session) Submit(from *Attachment, env *protocol.Envelope) error {
	return s.enqueue(messageCmd{from: from, env: env})
}

func (s *Session) enqueue(cmd command) error {
	select {
	case <-s.stopped:
		return ErrSessionStopped
	case s.cmds <- cmd:
		return nil
	}
}

// Run is the session worker loop. Commands are applied strictly in
// arrival order; the broadcasts for one command are queued on every
// attachment before the next command is processed.
func (s *Session) Run(ctx context.Context) {
	defer close(s.stopped)

	tick := s.clock.NewTicker(time.Second)
	defer tick.Stop()
	sweep := s.clock.NewTicker(s.cfg.HeartbeatInterval())
	defer sweep.Stop()
	flush := s.clock.NewTicker(s.cfg.CheckpointDebounce())
	defer flush.Stop()

	log.Info().Str("room_code", s.code).Msg("room session started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.stopCh:
			s.shutdown()
			return
		case cmd := <-s.cmds:
			s.handle(cmd)
		case <-tick.Chan():
			s.handleTick()
		case <-sweep.Chan():
			s.handleSweep()
		case <-flush.Chan():
			s.handleFlush()
		}
	}
}

func (s *Session) handle(cmd command) {
	switch c := cmd.(type) {
	case attachCmd:
		s.handleAttach(c.att)
	case detachCmd:
		s.handleDetach(c.att)
	case messageCmd:
		s.handleMessage(c.from, c.env)
	}
}

func (s *Session) handleAttach(att *Attachment) {
	now := s.clock.Now()
	rejoining := s.roster.Contains(att.UserID)

	s.atts[att.ID] = att
	s.attCount.Store(int32(len(s.atts)))
	s.emptySince.Store(0)

	s.roster.Join(protocol.Participant{
		UserID:   att.UserID,
		Username: att.Username,
		JoinedAt: now,
	}, now)

	// The new client starts from authoritative state, not defaults.
	s.sendTo(att, protocol.TypePresenceRoster, protocol.RosterPayload{Participants: s.roster.Snapshot()})
	s.sendTo(att, protocol.TypeTimerSync, s.timerPayload(now))

	if !rejoining {
		s.broadcastExcept(att.ID, protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{
			Action:      protocol.PresenceJoin,
			Participant: protocol.Participant{UserID: att.UserID, Username: att.Username, JoinedAt: now},
		})
		s.publish(events.TypeParticipantJoined, participantEventPayload(att.UserID, att.Username))
	}

	s.dirty = true
	log.Info().
		Str("room_code", s.code).
		Str("user_id", att.UserID).
		Int("connections", len(s.atts)).
		Msg("participant attached")
}

func (s *Session) handleDetach(att *Attachment) {
	stored, ok := s.atts[att.ID]
	if !ok || stored != att {
		return
	}
	delete(s.atts, att.ID)
	att.release()
	s.attCount.Store(int32(len(s.atts)))
	if len(s.atts) == 0 {
		s.emptySince.Store(s.clock.Now().UnixNano())
	}

	// The user may still be present on another connection.
	for _, other := range s.atts {
		if other.UserID == att.UserID {
			return
		}
	}
	if p, ok := s.roster.Leave(att.UserID); ok {
		s.broadcast(protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{
			Action:      protocol.PresenceLeave,
			Participant: p,
		})
		s.publish(events.TypeParticipantLeft, participantEventPayload(p.UserID, p.Username))
		s.dirty = true
		s.maybeAutoPause()
	}
	log.Info().
		Str("room_code", s.code).
		Str("user_id", att.UserID).
		Int("connections", len(s.atts)).
		Msg("participant detached")
}

func (s *Session) handleMessage(from *Attachment, env *protocol.Envelope) {
	if _, ok := s.atts[from.ID]; !ok {
		return // detached while queued
	}
	switch env.Type {
	case protocol.TypePresence:
		s.handleHeartbeat(from)
	case protocol.TypePresenceRoster:
		s.sendTo(from, protocol.TypePresenceRoster, protocol.RosterPayload{Participants: s.roster.Snapshot()})
	case protocol.TypeTimerSync:
		s.handleTimerCommand(from, env)
	case protocol.TypeAdminAction:
		s.handleAdminAction(from, env)
	case protocol.TypeChat, protocol.TypeCursor, protocol.TypeUserAction:
		// Best-effort, at-most-once, never persisted. The sender keeps
		// its own local copy, so no echo.
		s.fanOutVerbatim(from, env)
	}
}

func (s *Session) handleHeartbeat(from *Attachment) {
	now := s.clock.Now()
	if s.roster.Touch(from.UserID, now) {
		return
	}
	// Swept while the transport stayed up; re-admit.
	p := protocol.Participant{UserID: from.UserID, Username: from.Username, JoinedAt: now}
	s.roster.Join(p, now)
	s.broadcastExcept(from.ID, protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{
		Action:      protocol.PresenceJoin,
		Participant: p,
	})
	s.dirty = true
}

func (s *Session) handleTimerCommand(from *Attachment, env *protocol.Envelope) {
	if !s.mayControlTimer(from.UserID) {
		s.sendError(from, protocol.CodeUnauthorized, "timer control requires the room creator or a delegated admin")
		return
	}
	payload, err := protocol.ParsePayload(env)
	if err != nil {
		s.sendError(from, protocol.CodeMalformedMessage, "unreadable timer command")
		return
	}
	cmd := payload.(protocol.TimerCommandPayload)

	now := s.clock.Now()
	switch cmd.Command {
	case "start":
		mode := cmd.Mode
		if mode == "" {
			mode = s.machine.Mode()
		}
		err = s.machine.Start(mode, now)
	case "pause":
		err = s.machine.Pause(now)
	case "resume":
		err = s.machine.Resume(now)
	case "reset":
		mode := cmd.Mode
		if mode == "" {
			mode = s.machine.Mode()
		}
		err = s.machine.Reset(mode, now)
	case "set-duration":
		err = s.machine.SetDuration(cmd.DurationSeconds, now)
	default:
		s.sendError(from, protocol.CodeMalformedMessage, "unknown timer command "+cmd.Command)
		return
	}

	var invalid *timer.InvalidTransitionError
	if errors.As(err, &invalid) {
		// Rejected, reported to the issuing connection only.
		s.sendError(from, protocol.CodeInvalidTransition, invalid.Error())
		return
	}
	if err != nil {
		s.sendError(from, protocol.CodeInvalidTransition, err.Error())
		return
	}

	// Everyone, including the sender, converges on the authoritative
	// snapshot rather than their own optimistic countdown.
	s.dirty = true
	s.lastResync = now
	s.broadcast(protocol.TypeTimerSync, s.timerPayload(now))
}

func (s *Session) handleAdminAction(from *Attachment, env *protocol.Envelope) {
	if from.UserID != s.creatorID {
		s.sendError(from, protocol.CodeUnauthorized, "admin actions require the room creator")
		return
	}
	payload, err := protocol.ParsePayload(env)
	if err != nil {
		s.sendError(from, protocol.CodeMalformedMessage, "unreadable admin action")
		return
	}
	action := payload.(protocol.AdminActionPayload)

	switch action.Action {
	case protocol.AdminTransferControl:
		if !s.roster.Contains(action.TargetUserID) {
			s.sendError(from, protocol.CodeMalformedMessage, "target is not in the room")
			return
		}
		s.admins[action.TargetUserID] = true
		s.broadcast(protocol.TypeAdminAction, action)
	case protocol.AdminKick:
		if action.TargetUserID == s.creatorID {
			s.sendError(from, protocol.CodeUnauthorized, "the creator cannot be kicked")
			return
		}
		p, ok := s.roster.Leave(action.TargetUserID)
		if !ok {
			s.sendError(from, protocol.CodeMalformedMessage, "target is not in the room")
			return
		}
		delete(s.admins, action.TargetUserID)
		for id, att := range s.atts {
			if att.UserID != action.TargetUserID {
				continue
			}
			delete(s.atts, id)
			att.release()
			if att.closeConn != nil {
				att.closeConn()
			}
		}
		s.attCount.Store(int32(len(s.atts)))
		if len(s.atts) == 0 {
			s.emptySince.Store(s.clock.Now().UnixNano())
		}
		s.broadcast(protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{
			Action:      protocol.PresenceLeave,
			Participant: p,
		})
		s.publish(events.TypeParticipantLeft, participantEventPayload(p.UserID, p.Username))
		s.dirty = true
	default:
		s.sendError(from, protocol.CodeMalformedMessage, "unknown admin action "+action.Action)
	}
}

// handleTick advances a running timer once per second. Completion is
// broadcast immediately; otherwise a resync goes out only when the
// coarse threshold elapses, and clients interpolate in between.
func (s *Session) handleTick() {
	if s.machine.State() != timer.StateRunning {
		return
	}
	now := s.clock.Now()
	event, fired := s.machine.Tick(now)
	if fired && event == timer.EventSessionComplete {
		s.dirty = true
		s.lastResync = now
		s.broadcast(protocol.TypeTimerSync, s.timerPayload(now))
		s.publish(events.TypeSessionComplete, sessionCompleteEventPayload(s.machine.Mode()))
		return
	}
	if now.Sub(s.lastResync) >= s.cfg.ResyncInterval() {
		s.lastResync = now
		s.broadcast(protocol.TypeTimerSync, s.timerPayload(now))
	}
}

func (s *Session) handleSweep() {
	now := s.clock.Now()
	removed := s.roster.SweepExpired(now, s.cfg.HeartbeatTimeout())
	if len(removed) == 0 {
		return
	}
	for _, p := range removed {
		s.broadcast(protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{
			Action:      protocol.PresenceLeave,
			Participant: p,
		})
		s.publish(events.TypeParticipantLeft, participantEventPayload(p.UserID, p.Username))
		log.Info().
			Str("room_code", s.code).
			Str("user_id", p.UserID).
			Msg("participant swept after heartbeat timeout")
	}
	s.dirty = true
	s.maybeAutoPause()
}

// handleFlush writes a checkpoint when there is something new to
// persist, coalescing rapid successive changes into one write per
// debounce window. The write itself runs off the worker goroutine and
// never blocks room traffic.
func (s *Session) handleFlush() {
	if s.saveInflight.Load() {
		// One write at a time, so a slow older checkpoint can never
		// land after a newer one. Dirty state waits for the next tick.
		return
	}
	if !s.dirty && !s.retryCheckpoint.Swap(false) {
		return
	}
	s.dirty = false
	rec := s.record(s.clock.Now())
	s.saveInflight.Store(true)
	go func() {
		defer s.saveInflight.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CheckpointTimeout())
		defer cancel()
		if err := s.store.SaveRoom(ctx, rec); err != nil {
			// Retried on the next natural trigger, never surfaced to
			// clients.
			log.Error().Err(err).Str("room_code", s.code).Msg("checkpoint write failed")
			s.retryCheckpoint.Store(true)
		}
	}()
}

func (s *Session) maybeAutoPause() {
	if !s.cfg.AutoPauseWhenEmpty || s.roster.Len() > 0 {
		return
	}
	now := s.clock.Now()
	if err := s.machine.Pause(now); err == nil {
		s.dirty = true
		s.lastResync = now
		s.broadcast(protocol.TypeTimerSync, s.timerPayload(now))
		log.Info().Str("room_code", s.code).Msg("timer auto-paused, room is empty")
	}
}

// shutdown takes a final synchronous checkpoint and releases every
// attachment.
func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CheckpointTimeout())
	defer cancel()
	if err := s.store.SaveRoom(ctx, s.record(s.clock.Now())); err != nil {
		log.Error().Err(err).Str("room_code", s.code).Msg("final checkpoint failed")
	}
	for id, att := range s.atts {
		delete(s.atts, id)
		att.release()
		if att.closeConn != nil {
			att.closeConn()
		}
	}
	s.attCount.Store(0)
	log.Info().Str("room_code", s.code).Msg("room session stopped")
}

// record snapshots the session for the persistence bridge.
func (s *Session) record(now time.Time) store.RoomRecord {
	snap := s.machine.Snapshot(now)
	return store.RoomRecord{
		Code:          s.code,
		Name:          s.name,
		CreatorID:     s.creatorID,
		Participants:  s.roster.Snapshot(),
		TimerState:    snap.State,
		Mode:          snap.Mode,
		TimeRemaining: snap.TimeRemainingSeconds,
		CreatedAt:     s.createdAt,
		UpdatedAt:     now,
	}
}

func (s *Session) mayControlTimer(userID string) bool {
	return userID == s.creatorID || s.admins[userID]
}

func (s *Session) timerPayload(now time.Time) protocol.TimerSyncPayload {
	snap := s.machine.Snapshot(now)
	return protocol.TimerSyncPayload{
		State:                snap.State,
		Mode:                 snap.Mode,
		TimeRemainingSeconds: snap.TimeRemainingSeconds,
		ServerTime:           now,
	}
}

func (s *Session) sendTo(att *Attachment, t protocol.Type, payload any) {
	data, ok := s.marshal(t, payload)
	if !ok {
		return
	}
	if !att.push(data, t.Critical()) {
		log.Warn().
			Str("room_code", s.code).
			Str("user_id", att.UserID).
			Str("type", string(t)).
			Msg("slow consumer, message dropped")
	}
}

func (s *Session) sendError(att *Attachment, code, message string) {
	s.sendTo(att, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func (s *Session) broadcast(t protocol.Type, payload any) {
	s.broadcastExcept("", t, payload)
}

func (s *Session) broadcastExcept(exceptID string, t protocol.Type, payload any) {
	data, ok := s.marshal(t, payload)
	if !ok {
		return
	}
	critical := t.Critical()
	for id, att := range s.atts {
		if id == exceptID {
			continue
		}
		if !att.push(data, critical) {
			log.Warn().
				Str("room_code", s.code).
				Str("user_id", att.UserID).
				Str("type", string(t)).
				Msg("slow consumer, message dropped")
		}
	}
}

// fanOutVerbatim forwards an opaque envelope to every connection but
// the sender's.
func (s *Session) fanOutVerbatim(from *Attachment, env *protocol.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		log.Error().Err(err).Str("room_code", s.code).Msg("marshal relayed envelope")
		return
	}
	for id, att := range s.atts {
		if id == from.ID {
			continue
		}
		att.push(data, false)
	}
}

func (s *Session) marshal(t protocol.Type, payload any) ([]byte, bool) {
	env, err := protocol.NewEnvelope(t, "", "", payload, s.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("room_code", s.code).Str("type", string(t)).Msg("marshal outbound envelope")
		return nil, false
	}
	data, err := env.Marshal()
	if err != nil {
		log.Error().Err(err).Str("room_code", s.code).Str("type", string(t)).Msg("marshal outbound envelope")
		return nil, false
	}
	return data, true
}

// publish hands an event off to the message bus without blocking the
// worker.
func (s *Session) publish(eventType string, payload json.RawMessage) {
	ev := events.RoomEvent{
		RoomCode:  s.code,
		Type:      eventType,
		Timestamp: s.clock.Now(),
		Payload:   payload,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.pub.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("room_code", s.code).Str("event_type", eventType).Msg("event handoff failed")
		}
	}()
}

func participantEventPayload(userID, username string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"userId": userID, "username": username})
	return b
}

func sessionCompleteEventPayload(mode timer.Mode) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"mode": string(mode)})
	return b
}
