package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode"

	"github.com/arcadehub/battle-backend/internal/game"
)

// MessageType identifies the kind of message sent over the wire.
type MessageType string

const (
	// Server -> Client
	MsgRoomJoined     MessageType = "room_joined"
	MsgPlayerJoined   MessageType = "player_joined"
	MsgPlayerLeft     MessageType = "player_left"
	MsgPlayerReady    MessageType = "player_ready"
	MsgCountdown      MessageType = "countdown"
	MsgGameStart      MessageType = "game_start"
	MsgTimeUpdate     MessageType = "time_update"
	MsgOpponentUpdate MessageType = "opponent_update"
	MsgOpponentEvent  MessageType = "opponent_event"
	MsgReceivePenalty MessageType = "receive_penalty"
	MsgGameEnd        MessageType = "game_end"
	MsgError          MessageType = "error"
	MsgPong           MessageType = "pong"

	// Client -> Server
	MsgJoin          MessageType = "join"
	MsgReady         MessageType = "ready"
	MsgUnready       MessageType = "unready"
	MsgProgress      MessageType = "progress_update"
	MsgAttack        MessageType = "attack"
	MsgCancelPenalty MessageType = "cancel_penalty"
	MsgFinished      MessageType = "finished"
	MsgEliminated    MessageType = "eliminated"
	MsgLeave         MessageType = "leave"
	MsgPing          MessageType = "ping"
)

var ErrMalformed = errors.New("malformed message")

// Every message is a flat JSON object carrying a "type" tag next to its
// type-specific fields. DecodeType peeks at the tag so the caller can
// unmarshal into the right payload struct.
func DecodeType(data []byte) (MessageType, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", ErrMalformed
	}
	if head.Type == "" {
		return "", ErrMalformed
	}
	return head.Type, nil
}

func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return ErrMalformed
	}
	return nil
}

// Encode marshals a payload struct. Payload structs carry their own
// Type field, so the result is the complete wire frame.
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Payloads are plain structs; this only trips on a programming error.
		panic(err)
	}
	return data
}

// --- Client -> Server payloads ---

type Join struct {
	Type     MessageType `json:"type"`
	Nickname string      `json:"nickname"`
}

type Ready struct {
	Type MessageType `json:"type"`
}

// Progress is the generic per-game report: a score, a secondary count
// (revealed cells, word index, snake length...) and completion flags.
// The room relays it verbatim; it never interprets the numbers beyond
// the family comparator.
type Progress struct {
	Type     MessageType `json:"type"`
	Score    int         `json:"score"`
	Count    int         `json:"count"`
	Finished bool        `json:"finished,omitempty"`
}

// Attack reports a scoring event that converts into an opponent
// penalty (e.g. a multi-line clear).
type Attack struct {
	Type      MessageType `json:"type"`
	Event     string      `json:"event"`
	Magnitude int         `json:"magnitude"`
	Combo     int         `json:"combo,omitempty"`
}

// CancelPenalty reports how much of the sender's pending penalty its
// own scoring cancelled out.
type CancelPenalty struct {
	Type   MessageType `json:"type"`
	Amount int         `json:"amount"`
}

type Finished struct {
	Type  MessageType `json:"type"`
	Score int         `json:"score"`
	Count int         `json:"count"`
}

type Eliminated struct {
	Type MessageType `json:"type"`
}

type Leave struct {
	Type MessageType `json:"type"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

// --- Server -> Client payloads ---

type PlayerInfo struct {
	PlayerID string `json:"player_id"`
	Nickname string `json:"nickname"`
	Ready    bool   `json:"ready"`
}

type RoomJoined struct {
	Type     MessageType   `json:"type"`
	RoomID   string        `json:"room_id"`
	RoomCode string        `json:"room_code"`
	Game     string        `json:"game"`
	You      string        `json:"you"` // your player_id
	Players  []PlayerInfo  `json:"players"`
	Settings game.Settings `json:"settings"`
}

type PlayerJoined struct {
	Type   MessageType `json:"type"`
	Player PlayerInfo  `json:"player"`
}

type PlayerLeft struct {
	Type     MessageType `json:"type"`
	PlayerID string      `json:"player_id"`
}

type PlayerReady struct {
	Type     MessageType `json:"type"`
	PlayerID string      `json:"player_id"`
	Ready    bool        `json:"ready"`
}

type Countdown struct {
	Type  MessageType `json:"type"`
	Value int         `json:"value"` // 3, 2, 1, then 0 = go
}

type GameStart struct {
	Type     MessageType   `json:"type"`
	Seed     int64         `json:"seed"`
	Settings game.Settings `json:"settings"`
}

type TimeUpdate struct {
	Type      MessageType `json:"type"`
	Remaining int         `json:"remaining"` // seconds
}

type OpponentUpdate struct {
	Type     MessageType `json:"type"`
	Score    int         `json:"score"`
	Count    int         `json:"count"`
	Finished bool        `json:"finished,omitempty"`
}

// OpponentEvent relays a game-specific event to the other session,
// independently of whether it converted into a penalty.
type OpponentEvent struct {
	Type      MessageType `json:"type"`
	Event     string      `json:"event"`
	Magnitude int         `json:"magnitude"`
	Combo     int         `json:"combo,omitempty"`
}

type ReceivePenalty struct {
	Type    MessageType `json:"type"`
	Amount  int         `json:"amount"`
	Pending int         `json:"pending"` // sender's running total after this hit
}

type PlayerResult struct {
	PlayerID   string `json:"player_id"`
	Nickname   string `json:"nickname"`
	Score      int    `json:"score"`
	Count      int    `json:"count"`
	Finished   bool   `json:"finished"`
	FinishedAt int64  `json:"finished_at,omitempty"` // unix millis, 0 = never
}

type GameEnd struct {
	Type       MessageType    `json:"type"`
	WinnerID   string         `json:"winner_id"`
	WinnerName string         `json:"winner_name"`
	Reason     string         `json:"reason"`
	Results    []PlayerResult `json:"results"`
}

type Error struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

func NewError(code, message string) Error {
	return Error{Type: MsgError, Code: code, Message: message}
}

const maxNicknameLen = 20

// SanitizeName trims a display name, strips control characters and
// clamps it to 20 runes. Empty input becomes "anonymous".
func SanitizeName(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	runes := []rune(b.String())
	if len(runes) > maxNicknameLen {
		runes = runes[:maxNicknameLen]
	}
	if len(runes) == 0 {
		return "anonymous"
	}
	return string(runes)
}
