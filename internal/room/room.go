package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arcadehub/battle-backend/internal/game"
	"github.com/arcadehub/battle-backend/internal/history"
	"github.com/arcadehub/battle-backend/internal/protocol"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCountdown Status = "countdown"
	StatusPlaying   Status = "playing"
	StatusFinished  Status = "finished"
)

type EndReason string

const (
	ReasonFastestClear   EndReason = "fastest_clear"
	ReasonElimination    EndReason = "opponent_eliminated"
	ReasonOpponentQuit   EndReason = "opponent_quit"
	ReasonTimeUp         EndReason = "time_up"
	ReasonHigherProgress EndReason = "higher_progress"
	ReasonTimeoutDraw    EndReason = "timeout_draw"
)

type PlayerResult struct {
	PlayerID   string
	Nickname   string
	Score      int
	Count      int
	Finished   bool
	FinishedAt time.Time
}

// Result is produced exactly once, at the playing -> finished
// transition, and is immutable thereafter.
type Result struct {
	WinnerID   string
	WinnerName string
	Reason     EndReason
	Players    []PlayerResult
	StartedAt  time.Time
	EndedAt    time.Time
}

type player struct {
	id         string
	nickname   string
	ready      bool
	alive      bool
	progress   game.Progress
	finishedAt time.Time
	pending    int // penalty amount queued against this player
	lastUpdate time.Time
	outbox     chan []byte
	attached   bool
}

type Options struct {
	CountdownFrom     int           // ticks before go, default 3
	CountdownInterval time.Duration // default 1s
	WaitingTTL        time.Duration // idle expiry while waiting, default 5m
}

func (o Options) withDefaults() Options {
	if o.CountdownFrom == 0 {
		o.CountdownFrom = 3
	}
	if o.CountdownInterval == 0 {
		o.CountdownInterval = time.Second
	}
	if o.WaitingTTL == 0 {
		o.WaitingTTL = 5 * time.Minute
	}
	return o
}

// Room is the per-match actor. All mutable state is owned by the loop
// goroutine and touched only from messages processed off the inbox, so
// no handler for the same room ever runs concurrently with another.
type Room struct {
	id       string
	code     string
	family   game.Family
	settings game.Settings
	seed     int64
	opts     Options

	inbox     chan Msg
	status    Status
	players   []*player // registration order; at most 2
	createdAt time.Time
	startTime time.Time
	endTime   time.Time
	result    *Result
	timerGen  int

	ctx       context.Context
	cancel    context.CancelFunc
	log       *zap.Logger
	recorder  history.Recorder
	onDispose func(roomID string)
}

func New(parent context.Context, id, code string, family game.Family, settings game.Settings, seed int64, opts Options, log *zap.Logger, recorder history.Recorder, onDispose func(string)) *Room {
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		id:        id,
		code:      code,
		family:    family,
		settings:  settings,
		seed:      seed,
		opts:      opts.withDefaults(),
		inbox:     make(chan Msg, 64),
		status:    StatusWaiting,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With(zap.String("room", id), zap.String("game", family.Name)),
		recorder:  recorder,
		onDispose: onDispose,
	}

	r.schedule(r.opts.WaitingTTL, IdleCheck{Gen: r.timerGen})
	go r.loop()
	return r
}

func (r *Room) ID() string          { return r.id }
func (r *Room) Code() string        { return r.code }
func (r *Room) Game() string        { return r.family.Name }
func (r *Room) Inbox() chan<- Msg   { return r.inbox }
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

// schedule posts m into the inbox after d. The fire is swallowed if the
// room is disposed first, so no timer reaches a dead room.
func (r *Room) schedule(d time.Duration, m Msg) {
	time.AfterFunc(d, func() {
		select {
		case r.inbox <- m:
		case <-r.ctx.Done():
		}
	})
}

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				msg.Reply <- r.handleJoin(msg)
			case Leave:
				r.handleLeave(msg.PlayerID)
			case FromClient:
				r.handleClient(msg.PlayerID, msg.Data)
			case CountdownTick:
				r.handleCountdownTick(msg)
			case TimeTick:
				r.handleTimeTick(msg)
			case IdleCheck:
				r.handleIdleCheck(msg)
			case GetState:
				msg.Reply <- r.view()
			case Shutdown:
				r.dispose()
				return
			}
		}
	}
}

func (r *Room) shutdown() {
	for _, p := range r.players {
		if p.attached {
			close(p.outbox)
			p.attached = false
		}
	}
	r.cancel()
}

func (r *Room) dispose() {
	r.shutdown()
	if r.onDispose != nil {
		r.onDispose(r.id)
	}
}

func (r *Room) find(playerID string) *player {
	for _, p := range r.players {
		if p.id == playerID {
			return p
		}
	}
	return nil
}

func (r *Room) opponent(p *player) *player {
	for _, q := range r.players {
		if q != p {
			return q
		}
	}
	return nil
}

// --- outbound ---

func (r *Room) send(p *player, payload any) {
	if !p.attached {
		return
	}
	select {
	case p.outbox <- protocol.Encode(payload):
	default:
		// Session can't keep up; treat like a transport loss.
		r.log.Warn("dropping slow session", zap.String("player", p.id))
		close(p.outbox)
		p.attached = false
		r.handleLeave(p.id)
	}
}

func (r *Room) broadcast(payload any) {
	data := protocol.Encode(payload)
	// Copy: a dropped session triggers handleLeave, which may mutate
	// the player slice while we iterate.
	players := append([]*player(nil), r.players...)
	for _, p := range players {
		if !p.attached {
			continue
		}
		select {
		case p.outbox <- data:
		default:
			r.log.Warn("dropping slow session", zap.String("player", p.id))
			close(p.outbox)
			p.attached = false
			r.handleLeave(p.id)
		}
	}
}

func (r *Room) roster() []protocol.PlayerInfo {
	out := make([]protocol.PlayerInfo, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, protocol.PlayerInfo{PlayerID: p.id, Nickname: p.nickname, Ready: p.ready})
	}
	return out
}

// --- lifecycle ---

func (r *Room) handleJoin(msg Join) error {
	if r.status != StatusWaiting {
		return ErrAlreadyStarted
	}
	if len(r.players) >= 2 {
		return ErrRoomFull
	}

	p := &player{
		id:       msg.PlayerID,
		nickname: protocol.SanitizeName(msg.Nickname),
		alive:    true,
		outbox:   msg.Outbox,
		attached: true,
	}
	r.players = append(r.players, p)
	r.log.Info("player joined", zap.String("player", p.id), zap.String("nickname", p.nickname))

	r.send(p, protocol.RoomJoined{
		Type:     protocol.MsgRoomJoined,
		RoomID:   r.id,
		RoomCode: r.code,
		Game:     r.family.Name,
		You:      p.id,
		Players:  r.roster(),
		Settings: r.settings,
	})
	if other := r.opponent(p); other != nil {
		r.send(other, protocol.PlayerJoined{
			Type:   protocol.MsgPlayerJoined,
			Player: protocol.PlayerInfo{PlayerID: p.id, Nickname: p.nickname},
		})
	}
	return nil
}

func (r *Room) handleLeave(playerID string) {
	p := r.find(playerID)
	if p == nil {
		return
	}
	if p.attached {
		close(p.outbox)
		p.attached = false
	}

	switch r.status {
	case StatusWaiting, StatusCountdown:
		// Remove the player and return any remaining one to waiting
		// with ready reset. A countdown in flight is cancelled.
		r.removePlayer(p)
		r.timerGen++
		r.status = StatusWaiting
		for _, q := range r.players {
			q.ready = false
		}
		r.broadcast(protocol.PlayerLeft{Type: protocol.MsgPlayerLeft, PlayerID: p.id})
		if len(r.players) == 0 {
			r.dispose()
			return
		}
		// Back in waiting: the idle TTL starts over.
		r.schedule(r.opts.WaitingTTL, IdleCheck{Gen: r.timerGen})

	case StatusPlaying:
		r.log.Info("player left mid-match", zap.String("player", p.id))
		if other := r.opponent(p); other != nil {
			r.terminate(other, ReasonOpponentQuit)
		} else {
			r.dispose()
		}
		r.maybeDispose()

	case StatusFinished:
		r.maybeDispose()
	}
}

func (r *Room) removePlayer(p *player) {
	for i, q := range r.players {
		if q == p {
			r.players = append(r.players[:i], r.players[i+1:]...)
			return
		}
	}
}

// maybeDispose garbage-collects a finished room once both sessions
// have detached.
func (r *Room) maybeDispose() {
	if r.status != StatusFinished {
		return
	}
	for _, p := range r.players {
		if p.attached {
			return
		}
	}
	r.dispose()
}

func (r *Room) handleIdleCheck(msg IdleCheck) {
	if msg.Gen != r.timerGen || r.status != StatusWaiting {
		return
	}
	r.log.Info("expiring idle room")
	r.broadcast(protocol.NewError("room_expired", "room expired while waiting"))
	r.dispose()
}

// --- inbound frames ---

func (r *Room) handleClient(playerID string, data []byte) {
	p := r.find(playerID)
	if p == nil {
		return
	}

	typ, err := protocol.DecodeType(data)
	if err != nil {
		r.send(p, protocol.NewError("malformed_message", "could not parse message"))
		return
	}

	switch typ {
	case protocol.MsgPing:
		r.send(p, protocol.Pong{Type: protocol.MsgPong})

	case protocol.MsgJoin:
		// The session is attached at connect time; a join frame is an
		// idempotent re-ack.
		r.send(p, protocol.RoomJoined{
			Type:     protocol.MsgRoomJoined,
			RoomID:   r.id,
			RoomCode: r.code,
			Game:     r.family.Name,
			You:      p.id,
			Players:  r.roster(),
			Settings: r.settings,
		})

	case protocol.MsgReady, protocol.MsgUnready:
		r.handleReady(p, typ == protocol.MsgReady)

	case protocol.MsgProgress:
		r.handleProgress(p, data)

	case protocol.MsgAttack:
		r.handleAttack(p, data)

	case protocol.MsgCancelPenalty:
		r.handleCancelPenalty(p, data)

	case protocol.MsgFinished:
		r.handleFinished(p, data)

	case protocol.MsgEliminated:
		r.handleEliminated(p)

	case protocol.MsgLeave:
		r.handleLeave(p.id)

	default:
		r.send(p, protocol.NewError("malformed_message", "unknown message type"))
	}
}

func (r *Room) handleReady(p *player, ready bool) {
	if r.status != StatusWaiting {
		r.send(p, protocol.NewError("already_started", "match is no longer waiting"))
		return
	}
	p.ready = ready
	r.broadcast(protocol.PlayerReady{Type: protocol.MsgPlayerReady, PlayerID: p.id, Ready: ready})

	if len(r.players) == 2 && r.players[0].ready && r.players[1].ready {
		r.startCountdown()
	}
}

func (r *Room) startCountdown() {
	r.status = StatusCountdown
	r.timerGen++
	r.log.Info("countdown started")
	r.broadcast(protocol.Countdown{Type: protocol.MsgCountdown, Value: r.opts.CountdownFrom})
	r.schedule(r.opts.CountdownInterval, CountdownTick{Gen: r.timerGen, Value: r.opts.CountdownFrom - 1})
}

func (r *Room) handleCountdownTick(msg CountdownTick) {
	if msg.Gen != r.timerGen || r.status != StatusCountdown {
		return // stale fire after a cancel
	}
	r.broadcast(protocol.Countdown{Type: protocol.MsgCountdown, Value: msg.Value})
	if msg.Value > 0 {
		r.schedule(r.opts.CountdownInterval, CountdownTick{Gen: msg.Gen, Value: msg.Value - 1})
		return
	}
	r.startPlaying()
}

func (r *Room) startPlaying() {
	r.status = StatusPlaying
	r.startTime = time.Now()
	for _, p := range r.players {
		p.progress = game.Progress{}
		p.finishedAt = time.Time{}
		p.pending = 0
		p.alive = true
	}
	r.log.Info("match started", zap.Int64("seed", r.seed))
	r.broadcast(protocol.GameStart{Type: protocol.MsgGameStart, Seed: r.seed, Settings: r.settings})
	r.scheduleTimeTick()
}

func (r *Room) remaining() time.Duration {
	limit := time.Duration(r.settings.TimeLimitSec) * time.Second
	return limit - time.Since(r.startTime)
}

// Time broadcasts run every 10s normally and every second inside the
// final minute.
func (r *Room) scheduleTimeTick() {
	delay := 10 * time.Second
	if rem := r.remaining(); rem <= 61*time.Second {
		delay = time.Second
		if rem < delay {
			delay = rem
			if delay <= 0 {
				delay = time.Millisecond
			}
		}
	}
	r.schedule(delay, TimeTick{Gen: r.timerGen})
}

func (r *Room) handleTimeTick(msg TimeTick) {
	if msg.Gen != r.timerGen || r.status != StatusPlaying {
		return
	}
	rem := r.remaining()
	if rem <= 0 {
		r.broadcast(protocol.TimeUpdate{Type: protocol.MsgTimeUpdate, Remaining: 0})
		r.handleTimeout()
		return
	}
	r.broadcast(protocol.TimeUpdate{Type: protocol.MsgTimeUpdate, Remaining: int(rem.Round(time.Second) / time.Second)})
	r.scheduleTimeTick()
}

// --- in-match reports ---

func (r *Room) handleProgress(p *player, data []byte) {
	if r.status != StatusPlaying {
		return
	}
	var pr protocol.Progress
	if err := protocol.Decode(data, &pr); err != nil {
		r.send(p, protocol.NewError("malformed_message", "bad progress payload"))
		return
	}
	p.progress.Score = pr.Score
	p.progress.Count = pr.Count
	p.lastUpdate = time.Now()

	if other := r.opponent(p); other != nil {
		r.send(other, protocol.OpponentUpdate{
			Type:     protocol.MsgOpponentUpdate,
			Score:    pr.Score,
			Count:    pr.Count,
			Finished: pr.Finished,
		})
	}
	if pr.Finished && p.finishedAt.IsZero() {
		r.finish(p, pr.Score, pr.Count)
	}
}

func (r *Room) handleAttack(p *player, data []byte) {
	if r.status != StatusPlaying {
		return
	}
	var at protocol.Attack
	if err := protocol.Decode(data, &at); err != nil {
		r.send(p, protocol.NewError("malformed_message", "bad attack payload"))
		return
	}
	other := r.opponent(p)
	if other == nil {
		return
	}
	r.send(other, protocol.OpponentEvent{
		Type:      protocol.MsgOpponentEvent,
		Event:     at.Event,
		Magnitude: at.Magnitude,
		Combo:     at.Combo,
	})

	amount := r.family.Penalty(game.Event{Name: at.Event, Magnitude: at.Magnitude, Combo: at.Combo})
	if amount <= 0 {
		return
	}
	// The room only relays the computed magnitude; the receiving client
	// applies it locally and reports cancellations back.
	other.pending += amount
	r.send(other, protocol.ReceivePenalty{Type: protocol.MsgReceivePenalty, Amount: amount, Pending: other.pending})
}

func (r *Room) handleCancelPenalty(p *player, data []byte) {
	if r.status != StatusPlaying {
		return
	}
	var cp protocol.CancelPenalty
	if err := protocol.Decode(data, &cp); err != nil {
		r.send(p, protocol.NewError("malformed_message", "bad cancel payload"))
		return
	}
	if cp.Amount <= 0 {
		return
	}
	p.pending -= cp.Amount
	if p.pending < 0 {
		p.pending = 0
	}
}

func (r *Room) handleFinished(p *player, data []byte) {
	if r.status != StatusPlaying {
		return
	}
	var fin protocol.Finished
	if err := protocol.Decode(data, &fin); err != nil {
		r.send(p, protocol.NewError("malformed_message", "bad finished payload"))
		return
	}
	p.progress.Score = fin.Score
	p.progress.Count = fin.Count
	if p.finishedAt.IsZero() {
		r.finish(p, fin.Score, fin.Count)
	}
}

func (r *Room) handleEliminated(p *player) {
	if r.status != StatusPlaying {
		return
	}
	p.alive = false
	if other := r.opponent(p); other != nil {
		r.terminate(other, ReasonElimination)
	}
}

func (r *Room) finish(p *player, score, count int) {
	p.progress.Score = score
	p.progress.Count = count
	p.progress.Finished = true
	p.finishedAt = time.Now()

	other := r.opponent(p)
	if other != nil && !other.finishedAt.IsZero() {
		// Both completed: earlier finish wins, registration order as
		// the deterministic tiebreak.
		winner := r.players[0]
		if r.players[1].finishedAt.Before(r.players[0].finishedAt) {
			winner = r.players[1]
		}
		r.terminate(winner, ReasonFastestClear)
		return
	}
	r.terminate(p, ReasonFastestClear)
}

func (r *Room) handleTimeout() {
	finished := make([]*player, 0, 2)
	for _, p := range r.players {
		if !p.finishedAt.IsZero() {
			finished = append(finished, p)
		}
	}
	if len(finished) == 1 {
		r.terminate(finished[0], ReasonTimeUp)
		return
	}
	if len(r.players) < 2 {
		if len(r.players) == 1 {
			r.terminate(r.players[0], ReasonTimeUp)
		}
		return
	}

	switch cmp := r.family.Compare(r.players[0].progress, r.players[1].progress); {
	case cmp > 0:
		r.terminate(r.players[0], ReasonHigherProgress)
	case cmp < 0:
		r.terminate(r.players[1], ReasonHigherProgress)
	default:
		// Dead-equal metrics: first-registered player wins. A pragmatic
		// deterministic default, not a fairness claim.
		r.terminate(r.players[0], ReasonTimeoutDraw)
	}
}

// terminate performs the playing -> finished transition exactly once;
// a second terminal signal is a no-op.
func (r *Room) terminate(winner *player, reason EndReason) {
	if r.status == StatusFinished {
		return
	}
	r.status = StatusFinished
	r.endTime = time.Now()
	r.timerGen++ // cancel any pending timer fires

	results := make([]PlayerResult, 0, len(r.players))
	wireResults := make([]protocol.PlayerResult, 0, len(r.players))
	for _, p := range r.players {
		results = append(results, PlayerResult{
			PlayerID:   p.id,
			Nickname:   p.nickname,
			Score:      p.progress.Score,
			Count:      p.progress.Count,
			Finished:   p.progress.Finished,
			FinishedAt: p.finishedAt,
		})
		wr := protocol.PlayerResult{
			PlayerID: p.id,
			Nickname: p.nickname,
			Score:    p.progress.Score,
			Count:    p.progress.Count,
			Finished: p.progress.Finished,
		}
		if !p.finishedAt.IsZero() {
			wr.FinishedAt = p.finishedAt.UnixMilli()
		}
		wireResults = append(wireResults, wr)
	}

	r.result = &Result{
		WinnerID:   winner.id,
		WinnerName: winner.nickname,
		Reason:     reason,
		Players:    results,
		StartedAt:  r.startTime,
		EndedAt:    r.endTime,
	}

	r.log.Info("match finished",
		zap.String("winner", winner.id),
		zap.String("reason", string(reason)))

	r.broadcast(protocol.GameEnd{
		Type:       protocol.MsgGameEnd,
		WinnerID:   winner.id,
		WinnerName: winner.nickname,
		Reason:     string(reason),
		Results:    wireResults,
	})

	r.record()
	r.maybeDispose()
}

// record hands the immutable result to the history recorder off the
// actor goroutine so a slow store never stalls the room.
func (r *Room) record() {
	res := *r.result
	rec := history.MatchRecord{
		RoomID:     r.id,
		Game:       r.family.Name,
		WinnerID:   res.WinnerID,
		WinnerName: res.WinnerName,
		Reason:     string(res.Reason),
		StartedAt:  res.StartedAt,
		EndedAt:    res.EndedAt,
	}
	for _, p := range res.Players {
		entry := history.PlayerEntry{
			PlayerID: p.PlayerID,
			Nickname: p.Nickname,
			Score:    p.Score,
			Count:    p.Count,
			Finished: p.Finished,
		}
		if !p.FinishedAt.IsZero() {
			entry.FinishedAt = p.FinishedAt.UnixMilli()
		}
		rec.Players = append(rec.Players, entry)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.recorder.Record(ctx, rec)
	}()
}

func (r *Room) view() View {
	v := View{
		ID:       r.id,
		Code:     r.code,
		Game:     r.family.Name,
		Status:   r.status,
		Seed:     r.seed,
		Settings: r.settings,
	}
	for _, p := range r.players {
		v.Players = append(v.Players, PlayerView{
			ID:       p.id,
			Nickname: p.nickname,
			Ready:    p.ready,
			Alive:    p.alive,
			Attached: p.attached,
			Progress: p.progress,
			Pending:  p.pending,
		})
	}
	if r.result != nil {
		res := *r.result
		v.Result = &res
	}
	return v
}
