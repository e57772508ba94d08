package store

import (
	"context"
	"errors"
	"time"

	"github.com/studyhive/studyhive/internal/protocol"
	"github.com/studyhive/studyhive/internal/timer"
)

// ErrRoomNotFound is returned when no durable record exists for a
// room code.
var ErrRoomNotFound = errors.New("room not found")

// RoomRecord is the durable document for one room: the last-known
// state used for rehydration and historical display. It is eventually
// consistent with the live session, never the reverse.
type RoomRecord struct {
	Code          string                 `json:"roomId"`
	Name          string                 `json:"name"`
	CreatorID     string                 `json:"creatorId"`
	Participants  []protocol.Participant `json:"participants"`
	TimerState    timer.State            `json:"timerState"`
	Mode          timer.Mode             `json:"mode"`
	TimeRemaining int                    `json:"timeRemaining"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// Store is the persistence bridge. Reads happen on room creation and
// rehydration; writes happen on checkpoint. The durable record is
// never deleted by this core.
type Store interface {
	CreateRoom(ctx context.Context, rec RoomRecord) error
	GetRoom(ctx context.Context, code string) (*RoomRecord, error)
	SaveRoom(ctx context.Context, rec RoomRecord) error
}
