package directory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arcadehub/battle-backend/internal/game"
	"github.com/arcadehub/battle-backend/internal/history"
	"github.com/arcadehub/battle-backend/internal/room"
)

func newTestDirectory(t *testing.T, opts Options) *Directory {
	t.Helper()
	if opts.Room.CountdownInterval == 0 {
		opts.Room = room.Options{CountdownInterval: 10 * time.Millisecond, WaitingTTL: time.Minute}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, opts, zap.NewNop(), history.Noop{})
}

func createRoom(t *testing.T, d *Directory, gameName string) *room.Room {
	t.Helper()
	reply := make(chan CreateReply, 1)
	d.Inbox() <- CreateRoom{Game: gameName, Reply: reply}
	res := <-reply
	require.NoError(t, res.Err)
	require.NotNil(t, res.Room)
	return res.Room
}

func getRoom(d *Directory, code string) GetReply {
	reply := make(chan GetReply, 1)
	d.Inbox() <- GetRoom{Code: code, Reply: reply}
	return <-reply
}

func enqueue(d *Directory, gameName, nick string) EnqueueReply {
	reply := make(chan EnqueueReply, 1)
	d.Inbox() <- Enqueue{Game: gameName, Nickname: nick, Reply: reply}
	return <-reply
}

func poll(d *Directory, ticketID string) PollReply {
	reply := make(chan PollReply, 1)
	d.Inbox() <- PollTicket{TicketID: ticketID, Reply: reply}
	return <-reply
}

func TestDirectory_CreateIssuesValidCode(t *testing.T) {
	d := newTestDirectory(t, Options{})
	rm := createRoom(t, d, "stack")

	require.Len(t, rm.Code(), 6)
	require.Equal(t, strings.ToUpper(rm.Code()), rm.Code())

	got := getRoom(d, rm.Code())
	require.NoError(t, got.Err)
	require.Same(t, rm, got.Room)
}

func TestDirectory_JoinCodeIsCaseInsensitive(t *testing.T) {
	d := newTestDirectory(t, Options{})
	rm := createRoom(t, d, "merge")

	got := getRoom(d, strings.ToLower(rm.Code()))
	require.NoError(t, got.Err)
	require.Same(t, rm, got.Room)
}

func TestDirectory_LookupErrors(t *testing.T) {
	d := newTestDirectory(t, Options{})

	require.ErrorIs(t, getRoom(d, "ZZZZZZ").Err, ErrRoomNotFound)
	require.ErrorIs(t, getRoom(d, "nope").Err, ErrInvalidRoomCode)
	require.ErrorIs(t, getRoom(d, "ab 12!").Err, ErrInvalidRoomCode)

	reply := make(chan CreateReply, 1)
	d.Inbox() <- CreateRoom{Game: "chess", Reply: reply}
	require.ErrorIs(t, (<-reply).Err, game.ErrUnknownGame)
}

func TestDirectory_QueuePairsTwoOldestTickets(t *testing.T) {
	d := newTestDirectory(t, Options{})

	first := enqueue(d, "stack", "alice")
	require.NoError(t, first.Err)
	require.False(t, first.Matched)
	require.NotEmpty(t, first.TicketID)

	second := enqueue(d, "stack", "bob")
	require.NoError(t, second.Err)
	require.True(t, second.Matched, "second enqueue should pair immediately")
	require.NotNil(t, second.Room)

	polled := poll(d, first.TicketID)
	require.NoError(t, polled.Err)
	require.True(t, polled.Matched)
	require.Same(t, second.Room, polled.Room, "both players must land in the same room")
}

func TestDirectory_PollDeliversExactlyOnce(t *testing.T) {
	d := newTestDirectory(t, Options{})

	first := enqueue(d, "words", "alice")
	require.False(t, first.Matched)

	waiting := poll(d, first.TicketID)
	require.NoError(t, waiting.Err)
	require.False(t, waiting.Matched, "unpaired ticket polls as waiting")

	second := enqueue(d, "words", "bob")
	require.True(t, second.Matched)

	got := poll(d, first.TicketID)
	require.True(t, got.Matched)

	again := poll(d, first.TicketID)
	require.ErrorIs(t, again.Err, ErrTicketNotFound, "a ticket is burned on delivery")
}

func TestDirectory_QueuesAreSeparatePerGameFamily(t *testing.T) {
	d := newTestDirectory(t, Options{})

	first := enqueue(d, "stack", "alice")
	require.False(t, first.Matched)

	other := enqueue(d, "merge", "bob")
	require.False(t, other.Matched, "different family must not pair")
}

func TestDirectory_ExpiredTicketIsNotPaired(t *testing.T) {
	d := newTestDirectory(t, Options{TicketTTL: 20 * time.Millisecond})

	stale := enqueue(d, "stack", "alice")
	require.False(t, stale.Matched)

	time.Sleep(40 * time.Millisecond)

	late := enqueue(d, "stack", "bob")
	require.NoError(t, late.Err)
	require.False(t, late.Matched, "stale ticket must be dropped, not paired")

	gone := poll(d, stale.TicketID)
	require.ErrorIs(t, gone.Err, ErrTicketNotFound)
}

func TestDirectory_RoomRemovedOnceDisposed(t *testing.T) {
	d := newTestDirectory(t, Options{})
	rm := createRoom(t, d, "stack")
	code := rm.Code()

	rm.Inbox() <- room.Shutdown{}

	// Disposal is async; the directory learns about it via its inbox.
	require.Eventually(t, func() bool {
		reply := make(chan GetReply, 1)
		d.Inbox() <- GetRoom{Code: code, Reply: reply}
		return (<-reply).Err != nil
	}, time.Second, 10*time.Millisecond)
}
