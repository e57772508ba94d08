package room

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studyhive/studyhive/internal/config"
	"github.com/studyhive/studyhive/internal/events"
	"github.com/studyhive/studyhive/internal/protocol"
	"github.com/studyhive/studyhive/internal/store"
	"github.com/studyhive/studyhive/internal/timer"
)

// codeAlphabet omits lookalike characters; codes are read aloud and
// typed by hand.
const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// Registry is the process-wide map from room code to live session.
// The mutex guards only insert and remove; in-room traffic stays
// inside each session's own worker.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Session
	ctx   context.Context

	store store.Store
	pub   events.Publisher
	cfg   config.RoomConfig
	clock clockwork.Clock
}

// NewRegistry builds a registry. Run must be started before sessions
// are requested.
func NewRegistry(st store.Store, pub events.Publisher, cfg config.RoomConfig, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Registry{
		rooms: make(map[string]*Session),
		store: st,
		pub:   pub,
		cfg:   cfg,
		clock: clock,
	}
}

// Run owns the janitor loop; sessions created by GetOrCreate live
// under this context. Blocks until ctx is cancelled, then stops every
// live session with a final checkpoint.
func (r *Registry) Run(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	janitor := r.clock.NewTicker(r.cfg.EvictionGrace() / 2)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case <-janitor.Chan():
			r.evictIdle()
		}
	}
}

// CreateRoom allocates a fresh shareable code and writes the durable
// record. The live session is not instantiated here; it comes up
// lazily on the first connection.
func (r *Registry) CreateRoom(ctx context.Context, name, creatorID string) (*store.RoomRecord, error) {
	now := r.clock.Now()
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateRoomCode()
		if err != nil {
			return nil, err
		}
		_, err = r.store.GetRoom(ctx, code)
		if err == nil {
			continue // collision, roll again
		}
		if !errors.Is(err, store.ErrRoomNotFound) {
			return nil, fmt.Errorf("check room code %s: %w", code, err)
		}

		rec := store.RoomRecord{
			Code:          code,
			Name:          name,
			CreatorID:     creatorID,
			Participants:  []protocol.Participant{},
			TimerState:    timer.StateIdle,
			Mode:          timer.ModePomodoro,
			TimeRemaining: r.cfg.PomodoroSeconds,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := r.store.CreateRoom(ctx, rec); err != nil {
			return nil, err
		}

		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := r.pub.Publish(pctx, events.RoomEvent{
				RoomCode:  code,
				Type:      events.TypeRoomCreated,
				Timestamp: now,
			}); err != nil {
				log.Warn().Err(err).Str("room_code", code).Msg("room created event handoff failed")
			}
		}()

		log.Info().Str("room_code", code).Str("creator_id", creatorID).Msg("room created")
		return &rec, nil
	}
	return nil, errors.New("could not allocate an unused room code")
}

// GetOrCreate returns the live session for a room code, rehydrating it
// from the last persisted snapshot if the room is not already in
// memory. A code with no durable record yields store.ErrRoomNotFound.
func (r *Registry) GetOrCreate(ctx context.Context, code string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.rooms[code]; ok {
		return s, nil
	}

	rec, err := r.store.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	machine := timer.Restore(rec.TimerState, rec.Mode, rec.TimeRemaining, r.cfg.Durations())

	// The persisted roster is advisory: last-known members are seeded
	// with a fresh last-seen stamp and corrected as real heartbeats
	// arrive or time out.
	roster := NewRoster()
	for _, p := range rec.Participants {
		roster.Join(p, now)
	}

	session := NewSession(Params{
		Code:      rec.Code,
		Name:      rec.Name,
		CreatorID: rec.CreatorID,
		CreatedAt: rec.CreatedAt,
		Machine:   machine,
		Roster:    roster,
		Config:    r.cfg,
		Clock:     r.clock,
		Store:     r.store,
		Publisher: r.pub,
	})
	r.rooms[code] = session

	runCtx := r.ctx
	if runCtx == nil {
		runCtx = context.Background()
	}
	go func() {
		defer func() {
			if v := recover(); v != nil {
				// Room-wide fault: discard the session; the next
				// connection rehydrates from the last checkpoint.
				log.Error().Interface("panic", v).Str("room_code", code).Msg("room session fault")
				r.remove(code)
			}
		}()
		session.Run(runCtx)
	}()

	log.Info().Str("room_code", code).Msg("room session rehydrated")
	return session, nil
}

// Lookup returns the live session, if any, without rehydrating.
func (r *Registry) Lookup(code string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rooms[code]
	return s, ok
}

// Stats reports live room and connection counts.
func (r *Registry) Stats() (liveRooms, connections int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rooms {
		connections += s.ConnCount()
	}
	return len(r.rooms), connections
}

// evictIdle removes sessions that have sat with zero connections past
// the grace period. The durable record stays; a later connection
// rehydrates it.
func (r *Registry) evictIdle() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, s := range r.rooms {
		idleSince, idle := s.IdleSince()
		if !idle || now.Sub(idleSince) < r.cfg.EvictionGrace() {
			continue
		}
		r.stopLocked(code, s)
		log.Info().Str("room_code", code).Msg("idle room session evicted")
	}
}

func (r *Registry) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, s := range r.rooms {
		r.stopLocked(code, s)
	}
}

// stopLocked waits for the session worker to finish its final
// checkpoint. The session context is the registry's own, so closing is
// signalled by a dedicated detachment from the map plus Stop.
func (r *Registry) stopLocked(code string, s *Session) {
	delete(r.rooms, code)
	s.stop()
	select {
	case <-s.Stopped():
	case <-time.After(10 * time.Second):
		log.Warn().Str("room_code", code).Msg("timed out waiting for room session to stop")
	}
}

func (r *Registry) remove(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, code)
}

func generateRoomCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
