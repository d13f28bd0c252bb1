package directory

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	mrand "math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arcadehub/battle-backend/internal/game"
	"github.com/arcadehub/battle-backend/internal/history"
	"github.com/arcadehub/battle-backend/internal/room"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrInvalidRoomCode = errors.New("invalid room code")
	ErrTicketNotFound  = errors.New("queue ticket not found")
)

type Msg interface{ isDirectoryMsg() }

type CreateRoom struct {
	Game     string
	Settings *game.Settings // nil = family defaults
	Reply    chan CreateReply
}

func (CreateRoom) isDirectoryMsg() {}

type CreateReply struct {
	Room *room.Room
	Err  error
}

type GetRoom struct {
	Code  string
	Reply chan GetReply
}

func (GetRoom) isDirectoryMsg() {}

type GetReply struct {
	Room *room.Room
	Err  error
}

type RemoveRoom struct{ ID string }

func (RemoveRoom) isDirectoryMsg() {}

type Enqueue struct {
	Game     string
	Nickname string
	Reply    chan EnqueueReply
}

func (Enqueue) isDirectoryMsg() {}

type EnqueueReply struct {
	Matched  bool
	Room     *room.Room
	TicketID string
	Err      error
}

type PollTicket struct {
	TicketID string
	Reply    chan PollReply
}

func (PollTicket) isDirectoryMsg() {}

type PollReply struct {
	Matched bool
	Room    *room.Room
	Err     error
}

type SweepTickets struct{}

func (SweepTickets) isDirectoryMsg() {}

type Shutdown struct{}

func (Shutdown) isDirectoryMsg() {}

type ticket struct {
	id         string
	game       string
	nickname   string
	enqueuedAt time.Time
	room       *room.Room // set once paired; nil while waiting
}

type Options struct {
	Room      room.Options
	TicketTTL time.Duration // default 5m
}

// Directory is the single actor owning the code table and the
// quick-match queues. Routing every operation through one inbox keeps
// code issuance and queue pairing single-writer: no duplicate codes,
// no double-pairing.
type Directory struct {
	inbox   chan Msg
	rooms   map[string]*room.Room // by join code
	byID    map[string]*room.Room
	queues  map[string][]*ticket // per game family, FIFO
	tickets map[string]*ticket

	opts     Options
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.Logger
	recorder history.Recorder
}

func New(parent context.Context, opts Options, log *zap.Logger, recorder history.Recorder) *Directory {
	ctx, cancel := context.WithCancel(parent)
	if opts.TicketTTL == 0 {
		opts.TicketTTL = 5 * time.Minute
	}
	d := &Directory{
		inbox:    make(chan Msg, 64),
		rooms:    make(map[string]*room.Room),
		byID:     make(map[string]*room.Room),
		queues:   make(map[string][]*ticket),
		tickets:  make(map[string]*ticket),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
		recorder: recorder,
	}
	go d.loop()
	go d.sweepLoop()
	return d
}

func (d *Directory) Inbox() chan<- Msg { return d.inbox }

func (d *Directory) loop() {
	for {
		select {
		case <-d.ctx.Done():
			d.shutdown()
			return

		case m := <-d.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				rm, err := d.createRoom(msg.Game, msg.Settings)
				msg.Reply <- CreateReply{Room: rm, Err: err}
			case GetRoom:
				rm, err := d.getRoom(msg.Code)
				msg.Reply <- GetReply{Room: rm, Err: err}
			case RemoveRoom:
				d.removeRoom(msg.ID)
			case Enqueue:
				msg.Reply <- d.enqueue(msg.Game, msg.Nickname)
			case PollTicket:
				msg.Reply <- d.poll(msg.TicketID)
			case SweepTickets:
				d.sweep()
			case Shutdown:
				d.shutdown()
				return
			}
		}
	}
}

func (d *Directory) shutdown() {
	for _, rm := range d.byID {
		select {
		case rm.Inbox() <- room.Shutdown{}:
		case <-rm.Done():
		}
	}
	clear(d.rooms)
	clear(d.byID)
	clear(d.queues)
	clear(d.tickets)
	d.cancel()
}

// sweepLoop posts expiry checks into the inbox so ticket mutation stays
// on the actor goroutine.
func (d *Directory) sweepLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			select {
			case d.inbox <- SweepTickets{}:
			case <-d.ctx.Done():
				return
			}
		}
	}
}

func (d *Directory) createRoom(gameName string, settings *game.Settings) (*room.Room, error) {
	family, err := game.Lookup(gameName)
	if err != nil {
		return nil, err
	}

	s := family.Defaults
	if settings != nil {
		s = *settings
		if s.TimeLimitSec <= 0 {
			s.TimeLimitSec = family.Defaults.TimeLimitSec
		}
	}

	code, err := d.newCode()
	if err != nil {
		return nil, err
	}
	id := randID(10)
	seed := mrand.Int63()

	rm := room.New(d.ctx, id, code, family, s, seed, d.opts.Room, d.log, d.recorder, d.onRoomDisposed)
	d.rooms[code] = rm
	d.byID[id] = rm
	d.log.Info("room created",
		zap.String("room", id),
		zap.String("code", code),
		zap.String("game", gameName))
	return rm, nil
}

// onRoomDisposed runs on the room's goroutine; it posts back into the
// directory inbox rather than touching the maps directly.
func (d *Directory) onRoomDisposed(id string) {
	select {
	case d.inbox <- RemoveRoom{ID: id}:
	case <-d.ctx.Done():
	}
}

func (d *Directory) getRoom(code string) (*room.Room, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !validCode(code) {
		return nil, ErrInvalidRoomCode
	}
	rm, ok := d.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

func (d *Directory) removeRoom(id string) {
	rm, ok := d.byID[id]
	if !ok {
		return
	}
	delete(d.byID, id)
	delete(d.rooms, rm.Code())
	d.log.Info("room removed", zap.String("room", id))
}

// enqueue implements anonymous quick-matching: if the family queue
// already holds a waiting ticket, the two oldest are paired into a
// fresh room right away and the caller gets the handle in its reply.
// Otherwise the caller waits on a ticket and discovers the match by
// polling.
func (d *Directory) enqueue(gameName, nickname string) EnqueueReply {
	if _, err := game.Lookup(gameName); err != nil {
		return EnqueueReply{Err: err}
	}

	q := d.queues[gameName]
	for len(q) > 0 {
		waiting := q[0]
		if time.Since(waiting.enqueuedAt) > d.opts.TicketTTL {
			// Stale head; drop and keep looking.
			q = q[1:]
			delete(d.tickets, waiting.id)
			continue
		}
		q = q[1:]
		d.queues[gameName] = q

		rm, err := d.createRoom(gameName, nil)
		if err != nil {
			// Put the waiting ticket back rather than losing it.
			d.queues[gameName] = append([]*ticket{waiting}, q...)
			return EnqueueReply{Err: err}
		}
		waiting.room = rm
		return EnqueueReply{Matched: true, Room: rm}
	}
	d.queues[gameName] = q

	t := &ticket{
		id:         randID(12),
		game:       gameName,
		nickname:   nickname,
		enqueuedAt: time.Now(),
	}
	d.tickets[t.id] = t
	d.queues[gameName] = append(d.queues[gameName], t)
	return EnqueueReply{TicketID: t.id}
}

// poll returns the room handle exactly once per ticket; the ticket is
// burned on delivery.
func (d *Directory) poll(ticketID string) PollReply {
	t, ok := d.tickets[ticketID]
	if !ok {
		return PollReply{Err: ErrTicketNotFound}
	}
	if t.room == nil {
		return PollReply{}
	}
	delete(d.tickets, t.id)
	return PollReply{Matched: true, Room: t.room}
}

func (d *Directory) sweep() {
	for gameName, q := range d.queues {
		kept := q[:0]
		for _, t := range q {
			if time.Since(t.enqueuedAt) > d.opts.TicketTTL {
				delete(d.tickets, t.id)
				continue
			}
			kept = append(kept, t)
		}
		d.queues[gameName] = kept
	}
	// Matched-but-never-claimed tickets also age out.
	for id, t := range d.tickets {
		if t.room != nil && time.Since(t.enqueuedAt) > d.opts.TicketTTL {
			delete(d.tickets, id)
		}
	}
}

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newCode issues a 6-character join code, collision-checked against
// currently live rooms.
func (d *Directory) newCode() (string, error) {
	for {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := d.rooms[code]; !taken {
			return code, nil
		}
	}
}

func generateCode() (string, error) {
	code := make([]byte, 6)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = codeCharset[num.Int64()]
	}
	return string(code), nil
}

func validCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

const idCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

func randID(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = idCharset[mrand.Intn(len(idCharset))]
	}
	return string(b)
}
