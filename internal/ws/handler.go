package ws

import (
	"context"
	mrand "math/rand"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/arcadehub/battle-backend/internal/directory"
	"github.com/arcadehub/battle-backend/internal/protocol"
	"github.com/arcadehub/battle-backend/internal/room"
)

// Handler upgrades the connection and attaches it as a session to the
// room named by ?code=. The session has no identity beyond its
// connection: a per-connection player id is minted here and dies with
// the socket.
func Handler(d *directory.Directory, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		nickname := r.URL.Query().Get("nickname")

		reply := make(chan directory.GetReply, 1)
		d.Inbox() <- directory.GetRoom{Code: code, Reply: reply}
		res := <-reply
		if res.Err != nil {
			http.Error(w, res.Err.Error(), http.StatusNotFound)
			return
		}
		rm := res.Room

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan []byte, 32)
		playerID := randID(8)

		joinReply := make(chan error, 1)
		if !post(rm, room.Join{PlayerID: playerID, Nickname: nickname, Outbox: out, Reply: joinReply}) {
			writeOnce(r.Context(), conn, protocol.Encode(protocol.NewError("room_not_found", "room is gone")))
			return
		}
		if err := <-joinReply; err != nil {
			writeOnce(r.Context(), conn, protocol.Encode(joinError(err)))
			return
		}
		log.Debug("session attached", zap.String("room", rm.ID()), zap.String("player", playerID))

		// Transport close is an implicit leave; no grace period.
		defer post(rm, room.Leave{PlayerID: playerID})

		// Writer goroutine: drains the room's outbox until the room
		// closes it.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for data := range out {
				ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					return
				}
			}
			// Room closed the outbox: it is done with this session.
			conn.Close(websocket.StatusNormalClosure, "room closed")
		}()

		// Reader loop. Clients ping on a fixed interval, so a long
		// per-read timeout only trips on truly dead peers.
		for {
			ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}
			if !post(rm, room.FromClient{PlayerID: playerID, Data: data}) {
				return
			}
		}
	}
}

// post delivers a message to the room unless it has been disposed.
func post(rm *room.Room, m room.Msg) bool {
	select {
	case rm.Inbox() <- m:
		return true
	case <-rm.Done():
		return false
	}
}

func writeOnce(ctx context.Context, conn *websocket.Conn, data []byte) {
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, data)
}

func joinError(err error) protocol.Error {
	switch err {
	case room.ErrRoomFull:
		return protocol.NewError("room_full", "room already has two players")
	case room.ErrAlreadyStarted:
		return protocol.NewError("already_started", "match already started")
	default:
		return protocol.NewError("join_failed", err.Error())
	}
}

const idCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randID(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = idCharset[mrand.Intn(len(idCharset))]
	}
	return string(b)
}
