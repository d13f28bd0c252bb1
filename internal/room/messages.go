package room

import (
	"errors"

	"github.com/arcadehub/battle-backend/internal/game"
)

var (
	ErrRoomFull       = errors.New("room is full")
	ErrAlreadyStarted = errors.New("room already started")
)

type Msg interface{ isRoomMsg() }

// Join attaches a session to the room. Reply receives nil on success,
// or ErrRoomFull / ErrAlreadyStarted.
type Join struct {
	PlayerID string
	Nickname string
	Outbox   chan []byte // where this session receives encoded frames
	Reply    chan error
}

func (Join) isRoomMsg() {}

// Leave is posted on intentional leave and on transport close alike;
// there is no reconnection grace period.
type Leave struct{ PlayerID string }

func (Leave) isRoomMsg() {}

// FromClient carries one raw inbound frame from a session.
type FromClient struct {
	PlayerID string
	Data     []byte
}

func (FromClient) isRoomMsg() {}

// CountdownTick and TimeTick are posted by scheduled callbacks rather
// than fired into room state directly, preserving the single-writer
// invariant. Gen guards against stale fires after a cancel.
type CountdownTick struct {
	Gen   int
	Value int
}

func (CountdownTick) isRoomMsg() {}

type TimeTick struct{ Gen int }

func (TimeTick) isRoomMsg() {}

// IdleCheck expires a room that is still waiting past its TTL. It is
// re-armed whenever the room (re-)enters waiting, so Gen guards it the
// same way as the tick messages.
type IdleCheck struct{ Gen int }

func (IdleCheck) isRoomMsg() {}

// GetState reflects internal state without data races.
type GetState struct{ Reply chan View }

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type PlayerView struct {
	ID       string
	Nickname string
	Ready    bool
	Alive    bool
	Attached bool
	Progress game.Progress
	Pending  int
}

type View struct {
	ID       string
	Code     string
	Game     string
	Status   Status
	Seed     int64
	Settings game.Settings
	Players  []PlayerView
	Result   *Result
}
