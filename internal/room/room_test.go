package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arcadehub/battle-backend/internal/game"
	"github.com/arcadehub/battle-backend/internal/history"
	"github.com/arcadehub/battle-backend/internal/protocol"
)

func fastOpts() Options {
	return Options{
		CountdownFrom:     3,
		CountdownInterval: 10 * time.Millisecond,
		WaitingTTL:        time.Minute,
	}
}

func newTestRoom(t *testing.T, familyName string, settings game.Settings, opts Options) *Room {
	t.Helper()
	fam, err := game.Lookup(familyName)
	if err != nil {
		t.Fatalf("lookup %q: %v", familyName, err)
	}
	r := New(context.Background(), "r-test", "AB12CD", fam, settings, 42, opts, zap.NewNop(), history.Noop{}, nil)
	t.Cleanup(func() {
		select {
		case r.Inbox() <- Shutdown{}:
		case <-r.Done():
		}
	})
	return r
}

func join(t *testing.T, r *Room, id, nick string) chan []byte {
	t.Helper()
	out := make(chan []byte, 64)
	reply := make(chan error, 1)
	r.Inbox() <- Join{PlayerID: id, Nickname: nick, Outbox: out, Reply: reply}
	if err := <-reply; err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	return out
}

func send(r *Room, playerID string, payload any) {
	r.Inbox() <- FromClient{PlayerID: playerID, Data: protocol.Encode(payload)}
}

// awaitType drains frames until one of the wanted type shows up, so
// tests stay robust against interleaved broadcasts.
func awaitType(t *testing.T, ch <-chan []byte, typ protocol.MessageType, within time.Duration) []byte {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				t.Fatalf("outbox closed while waiting for %q", typ)
			}
			if ft, err := protocol.DecodeType(data); err == nil && ft == typ {
				return data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

func awaitNoType(t *testing.T, ch <-chan []byte, typ protocol.MessageType, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			if ft, err := protocol.DecodeType(data); err == nil && ft == typ {
				t.Fatalf("unexpected %q frame: %s", typ, data)
			}
		case <-deadline:
			return
		}
	}
}

func getView(t *testing.T, r *Room) View {
	t.Helper()
	reply := make(chan View, 1)
	select {
	case r.Inbox() <- GetState{Reply: reply}:
	case <-r.Done():
		t.Fatalf("room disposed before GetState")
	}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

// startMatch joins both players, readies them up and waits for
// game_start on both sessions.
func startMatch(t *testing.T, r *Room) (out1, out2 chan []byte) {
	t.Helper()
	out1 = join(t, r, "p1", "alice")
	out2 = join(t, r, "p2", "bob")
	send(r, "p1", protocol.Ready{Type: protocol.MsgReady})
	send(r, "p2", protocol.Ready{Type: protocol.MsgReady})
	awaitType(t, out1, protocol.MsgGameStart, 2*time.Second)
	awaitType(t, out2, protocol.MsgGameStart, 2*time.Second)
	return out1, out2
}

func TestRoom_ThirdJoinFailsWithRoomFull(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())

	join(t, r, "p1", "alice")
	join(t, r, "p2", "bob")

	out3 := make(chan []byte, 8)
	reply := make(chan error, 1)
	r.Inbox() <- Join{PlayerID: "p3", Nickname: "carol", Outbox: out3, Reply: reply}
	if err := <-reply; err != ErrRoomFull {
		t.Fatalf("want ErrRoomFull, got %v", err)
	}
}

func TestRoom_JoinAfterStartFailsWithAlreadyStarted(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())
	startMatch(t, r)

	out3 := make(chan []byte, 8)
	reply := make(chan error, 1)
	r.Inbox() <- Join{PlayerID: "p3", Nickname: "carol", Outbox: out3, Reply: reply}
	if err := <-reply; err != ErrAlreadyStarted {
		t.Fatalf("want ErrAlreadyStarted, got %v", err)
	}
}

func TestRoom_CountdownRequiresBothReady(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())

	out1 := join(t, r, "p1", "alice")
	send(r, "p1", protocol.Ready{Type: protocol.MsgReady})

	// One ready player alone must not start anything.
	awaitNoType(t, out1, protocol.MsgCountdown, 100*time.Millisecond)
	if v := getView(t, r); v.Status != StatusWaiting {
		t.Fatalf("want waiting with a single ready player, got %s", v.Status)
	}

	out2 := join(t, r, "p2", "bob")
	send(r, "p2", protocol.Ready{Type: protocol.MsgReady})
	awaitType(t, out1, protocol.MsgGameStart, 2*time.Second)
	awaitType(t, out2, protocol.MsgGameStart, 2*time.Second)

	if v := getView(t, r); v.Status != StatusPlaying {
		t.Fatalf("want playing after both ready, got %s", v.Status)
	}
}

func TestRoom_GameStartCarriesSeedAndSettings(t *testing.T) {
	r := newTestRoom(t, "sweep", game.Settings{TimeLimitSec: 60, GridWidth: 16, GridHeight: 16, Mines: 40}, fastOpts())
	join(t, r, "p1", "alice")
	out2 := join(t, r, "p2", "bob")

	data := awaitType(t, out2, protocol.MsgRoomJoined, time.Second)
	var rj protocol.RoomJoined
	if err := json.Unmarshal(data, &rj); err != nil {
		t.Fatalf("decode room_joined: %v", err)
	}
	if rj.RoomCode != "AB12CD" || rj.Settings.Mines != 40 {
		t.Fatalf("room_joined echo wrong: %+v", rj)
	}

	send(r, "p1", protocol.Ready{Type: protocol.MsgReady})
	send(r, "p2", protocol.Ready{Type: protocol.MsgReady})

	data = awaitType(t, out2, protocol.MsgGameStart, 2*time.Second)
	var gs protocol.GameStart
	if err := json.Unmarshal(data, &gs); err != nil {
		t.Fatalf("decode game_start: %v", err)
	}
	// Both clients must be able to reproduce the same simulation from
	// the shared seed and settings alone.
	if gs.Seed != 42 || gs.Settings.Mines != 40 || gs.Settings.GridWidth != 16 {
		t.Fatalf("game_start seed/settings wrong: %+v", gs)
	}
}

func TestRoom_LeaveDuringCountdownRevertsToWaiting(t *testing.T) {
	opts := fastOpts()
	opts.CountdownInterval = 100 * time.Millisecond

	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, opts)
	out1 := join(t, r, "p1", "alice")
	join(t, r, "p2", "bob")
	send(r, "p1", protocol.Ready{Type: protocol.MsgReady})
	send(r, "p2", protocol.Ready{Type: protocol.MsgReady})

	awaitType(t, out1, protocol.MsgCountdown, time.Second)
	r.Inbox() <- Leave{PlayerID: "p2"}
	awaitType(t, out1, protocol.MsgPlayerLeft, time.Second)

	v := getView(t, r)
	if v.Status != StatusWaiting {
		t.Fatalf("want waiting after countdown abort, got %s", v.Status)
	}
	for _, p := range v.Players {
		if p.Ready {
			t.Fatalf("ready flags must be cleared after countdown abort")
		}
	}

	// The cancelled countdown must never reach game_start.
	awaitNoType(t, out1, protocol.MsgGameStart, 500*time.Millisecond)
}

func TestRoom_UnreadyStopsCountdownFromStarting(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())
	out1 := join(t, r, "p1", "alice")
	out2 := join(t, r, "p2", "bob")

	send(r, "p1", protocol.Ready{Type: protocol.MsgReady})
	send(r, "p1", protocol.Ready{Type: protocol.MsgUnready})
	send(r, "p2", protocol.Ready{Type: protocol.MsgReady})

	awaitNoType(t, out1, protocol.MsgCountdown, 100*time.Millisecond)
	if v := getView(t, r); v.Status != StatusWaiting {
		t.Fatalf("want waiting after unready, got %s", v.Status)
	}

	// Readying back up completes the pair.
	send(r, "p1", protocol.Ready{Type: protocol.MsgReady})
	awaitType(t, out1, protocol.MsgGameStart, 2*time.Second)
	awaitType(t, out2, protocol.MsgGameStart, 2*time.Second)
}

func TestRoom_WaitingRoomExpiresAfterTTL(t *testing.T) {
	opts := fastOpts()
	opts.WaitingTTL = 50 * time.Millisecond

	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, opts)
	out1 := join(t, r, "p1", "alice")

	data := awaitType(t, out1, protocol.MsgError, time.Second)
	var e protocol.Error
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Code != "room_expired" {
		t.Fatalf("want room_expired, got %q", e.Code)
	}

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("expired room was not disposed")
	}
}

func TestRoom_IdleExpiryRearmsAfterCountdownRevert(t *testing.T) {
	opts := Options{
		CountdownFrom:     3,
		CountdownInterval: 150 * time.Millisecond,
		WaitingTTL:        100 * time.Millisecond,
	}

	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, opts)
	out1 := join(t, r, "p1", "alice")
	join(t, r, "p2", "bob")
	send(r, "p1", protocol.Ready{Type: protocol.MsgReady})
	send(r, "p2", protocol.Ready{Type: protocol.MsgReady})
	awaitType(t, out1, protocol.MsgCountdown, time.Second)

	// Abort the countdown; the remaining player sits in waiting and the
	// idle TTL must start counting again.
	r.Inbox() <- Leave{PlayerID: "p2"}
	awaitType(t, out1, protocol.MsgPlayerLeft, time.Second)

	data := awaitType(t, out1, protocol.MsgError, time.Second)
	var e protocol.Error
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if e.Code != "room_expired" {
		t.Fatalf("want room_expired after countdown revert, got %q", e.Code)
	}

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("room stuck in waiting after countdown revert")
	}
}

func TestRoom_DisconnectWhilePlayingEndsMatchForOpponent(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())
	out1, _ := startMatch(t, r)

	r.Inbox() <- Leave{PlayerID: "p2"}

	data := awaitType(t, out1, protocol.MsgGameEnd, time.Second)
	var ge protocol.GameEnd
	if err := json.Unmarshal(data, &ge); err != nil {
		t.Fatalf("decode game_end: %v", err)
	}
	if ge.WinnerID != "p1" || ge.Reason != string(ReasonOpponentQuit) {
		t.Fatalf("want p1 wins by opponent_quit, got %+v", ge)
	}
}

func TestRoom_FinishReportWinsMatch(t *testing.T) {
	r := newTestRoom(t, "words", game.Settings{TimeLimitSec: 60, WordCount: 50}, fastOpts())
	out1, out2 := startMatch(t, r)

	send(r, "p1", protocol.Finished{Type: protocol.MsgFinished, Score: 72, Count: 50})

	for _, out := range []chan []byte{out1, out2} {
		data := awaitType(t, out, protocol.MsgGameEnd, time.Second)
		var ge protocol.GameEnd
		if err := json.Unmarshal(data, &ge); err != nil {
			t.Fatalf("decode game_end: %v", err)
		}
		if ge.WinnerID != "p1" || ge.Reason != string(ReasonFastestClear) {
			t.Fatalf("want p1 wins by fastest_clear, got %+v", ge)
		}
	}

	v := getView(t, r)
	if v.Result == nil || v.Result.WinnerID != "p1" {
		t.Fatalf("expected recorded result for p1, got %+v", v.Result)
	}
}

func TestRoom_SecondTerminalSignalIsNoOp(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())
	out1, out2 := startMatch(t, r)

	send(r, "p1", protocol.Finished{Type: protocol.MsgFinished, Score: 500, Count: 10})
	awaitType(t, out1, protocol.MsgGameEnd, time.Second)
	awaitType(t, out2, protocol.MsgGameEnd, time.Second)

	// A late terminal report from the loser must not produce a second
	// result or flip the winner.
	send(r, "p2", protocol.Finished{Type: protocol.MsgFinished, Score: 900, Count: 20})
	send(r, "p2", protocol.Eliminated{Type: protocol.MsgEliminated})
	awaitNoType(t, out2, protocol.MsgGameEnd, 200*time.Millisecond)

	v := getView(t, r)
	if v.Result == nil || v.Result.WinnerID != "p1" || v.Result.Reason != ReasonFastestClear {
		t.Fatalf("result changed after second terminal signal: %+v", v.Result)
	}
}

func TestRoom_EliminationGivesWinToActivePlayer(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())
	out1, _ := startMatch(t, r)

	send(r, "p2", protocol.Eliminated{Type: protocol.MsgEliminated})

	data := awaitType(t, out1, protocol.MsgGameEnd, time.Second)
	var ge protocol.GameEnd
	if err := json.Unmarshal(data, &ge); err != nil {
		t.Fatalf("decode game_end: %v", err)
	}
	if ge.WinnerID != "p1" || ge.Reason != string(ReasonElimination) {
		t.Fatalf("want p1 wins by opponent_eliminated, got %+v", ge)
	}
}

func TestRoom_TimeoutHigherProgressWins(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 1}, fastOpts())
	out1, out2 := startMatch(t, r)

	send(r, "p1", protocol.Progress{Type: protocol.MsgProgress, Score: 300, Count: 7})
	send(r, "p2", protocol.Progress{Type: protocol.MsgProgress, Score: 100, Count: 3})

	// p2 sees p1's report relayed verbatim.
	data := awaitType(t, out2, protocol.MsgOpponentUpdate, time.Second)
	var ou protocol.OpponentUpdate
	if err := json.Unmarshal(data, &ou); err != nil {
		t.Fatalf("decode opponent_update: %v", err)
	}
	if ou.Score != 300 || ou.Count != 7 {
		t.Fatalf("opponent_update not relayed verbatim: %+v", ou)
	}

	data = awaitType(t, out1, protocol.MsgGameEnd, 3*time.Second)
	var ge protocol.GameEnd
	if err := json.Unmarshal(data, &ge); err != nil {
		t.Fatalf("decode game_end: %v", err)
	}
	if ge.WinnerID != "p1" || ge.Reason != string(ReasonHigherProgress) {
		t.Fatalf("want p1 wins by higher_progress, got %+v", ge)
	}
}

func TestRoom_TimeoutDrawGoesToFirstRegistered(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 1}, fastOpts())
	out1, _ := startMatch(t, r)

	// No progress from either side: metrics are dead-equal.
	data := awaitType(t, out1, protocol.MsgGameEnd, 3*time.Second)
	var ge protocol.GameEnd
	if err := json.Unmarshal(data, &ge); err != nil {
		t.Fatalf("decode game_end: %v", err)
	}
	if ge.WinnerID != "p1" || ge.Reason != string(ReasonTimeoutDraw) {
		t.Fatalf("want deterministic draw for first-registered p1, got %+v", ge)
	}
}

func TestRoom_PenaltyRelayMonotonicAndClamped(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())
	_, out2 := startMatch(t, r)

	attacks := []protocol.Attack{
		{Type: protocol.MsgAttack, Event: "lines_cleared", Magnitude: 2},
		{Type: protocol.MsgAttack, Event: "lines_cleared", Magnitude: 3, Combo: 1},
		{Type: protocol.MsgAttack, Event: "lines_cleared", Magnitude: 4, Combo: 2},
	}
	lastPending := 0
	for _, a := range attacks {
		send(r, "p1", a)
		data := awaitType(t, out2, protocol.MsgReceivePenalty, time.Second)
		var rp protocol.ReceivePenalty
		if err := json.Unmarshal(data, &rp); err != nil {
			t.Fatalf("decode receive_penalty: %v", err)
		}
		if rp.Amount <= 0 {
			t.Fatalf("penalty amount must be positive, got %d", rp.Amount)
		}
		if rp.Pending < lastPending {
			t.Fatalf("pending total decreased under an attack chain: %d -> %d", lastPending, rp.Pending)
		}
		lastPending = rp.Pending
	}

	// A single-line clear converts to nothing.
	send(r, "p1", protocol.Attack{Type: protocol.MsgAttack, Event: "lines_cleared", Magnitude: 1})
	awaitNoType(t, out2, protocol.MsgReceivePenalty, 100*time.Millisecond)

	// Over-cancelling never drives the pending total below zero.
	send(r, "p2", protocol.CancelPenalty{Type: protocol.MsgCancelPenalty, Amount: lastPending + 100})
	v := getView(t, r)
	for _, p := range v.Players {
		if p.ID == "p2" && p.Pending != 0 {
			t.Fatalf("want pending clamped to 0, got %d", p.Pending)
		}
	}
}

func TestRoom_PingPong(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())
	out1 := join(t, r, "p1", "alice")

	send(r, "p1", protocol.Ping{Type: protocol.MsgPing})
	awaitType(t, out1, protocol.MsgPong, time.Second)
}

func TestRoom_MalformedFrameOnlyErrorsOffendingSession(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())
	out1 := join(t, r, "p1", "alice")
	out2 := join(t, r, "p2", "bob")

	r.Inbox() <- FromClient{PlayerID: "p1", Data: []byte("{not json")}
	awaitType(t, out1, protocol.MsgError, time.Second)
	awaitNoType(t, out2, protocol.MsgError, 100*time.Millisecond)

	if v := getView(t, r); v.Status != StatusWaiting {
		t.Fatalf("malformed frame must not move the state machine, got %s", v.Status)
	}
}

func TestRoom_NicknameSanitized(t *testing.T) {
	r := newTestRoom(t, "stack", game.Settings{TimeLimitSec: 60}, fastOpts())
	join(t, r, "p1", "  a very long nickname that keeps going  ")

	v := getView(t, r)
	if got := v.Players[0].Nickname; len([]rune(got)) > 20 {
		t.Fatalf("nickname not clamped: %q", got)
	}
}
