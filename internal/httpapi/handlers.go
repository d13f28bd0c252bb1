package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/arcadehub/battle-backend/internal/directory"
	"github.com/arcadehub/battle-backend/internal/game"
	"github.com/arcadehub/battle-backend/internal/room"
)

type createRequest struct {
	Nickname string         `json:"nickname"`
	Settings *game.Settings `json:"settings,omitempty"`
}

type createResponse struct {
	Success    bool   `json:"success"`
	RoomID     string `json:"roomId,omitempty"`
	RoomCode   string `json:"roomCode,omitempty"`
	ConnectURL string `json:"connectUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

type joinRequest struct {
	RoomCode string `json:"roomCode"`
}

type joinResponse struct {
	Success    bool   `json:"success"`
	ConnectURL string `json:"connectUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

type queueRequest struct {
	Nickname string `json:"nickname"`
	Action   string `json:"action"` // "join" | "poll"
	QueueID  string `json:"queueId,omitempty"`
}

type queueResponse struct {
	Matched    bool   `json:"matched"`
	Queued     bool   `json:"queued,omitempty"`
	QueueID    string `json:"queueId,omitempty"`
	ConnectURL string `json:"connectUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

func connectURL(gameName, code string) string {
	return "/battle/" + gameName + "/ws?code=" + code
}

func CreateRoom(d *directory.Directory, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameName := chi.URLParam(r, "game")

		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, createResponse{Error: "bad_request"})
			return
		}

		reply := make(chan directory.CreateReply, 1)
		d.Inbox() <- directory.CreateRoom{Game: gameName, Settings: req.Settings, Reply: reply}
		res := <-reply
		if res.Err != nil {
			writeJSON(w, statusFor(res.Err), createResponse{Error: errorCode(res.Err)})
			return
		}

		writeJSON(w, http.StatusCreated, createResponse{
			Success:    true,
			RoomID:     res.Room.ID(),
			RoomCode:   res.Room.Code(),
			ConnectURL: connectURL(gameName, res.Room.Code()),
		})
	}
}

func JoinRoom(d *directory.Directory, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameName := chi.URLParam(r, "game")

		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, joinResponse{Error: "bad_request"})
			return
		}

		reply := make(chan directory.GetReply, 1)
		d.Inbox() <- directory.GetRoom{Code: req.RoomCode, Reply: reply}
		res := <-reply
		if res.Err != nil {
			writeJSON(w, statusFor(res.Err), joinResponse{Error: errorCode(res.Err)})
			return
		}
		if res.Room.Game() != gameName {
			writeJSON(w, http.StatusNotFound, joinResponse{Error: "room_not_found"})
			return
		}

		// The actual join happens on the socket; here we only reject
		// rooms that could never admit this player.
		view, ok := roomState(res.Room)
		if !ok {
			writeJSON(w, http.StatusNotFound, joinResponse{Error: "room_not_found"})
			return
		}
		if view.Status != room.StatusWaiting {
			writeJSON(w, http.StatusConflict, joinResponse{Error: "already_started"})
			return
		}
		if len(view.Players) >= 2 {
			writeJSON(w, http.StatusConflict, joinResponse{Error: "room_full"})
			return
		}

		writeJSON(w, http.StatusOK, joinResponse{
			Success:    true,
			ConnectURL: connectURL(gameName, res.Room.Code()),
		})
	}
}

func Queue(d *directory.Directory, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameName := chi.URLParam(r, "game")

		var req queueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, queueResponse{Error: "bad_request"})
			return
		}

		switch req.Action {
		case "join":
			reply := make(chan directory.EnqueueReply, 1)
			d.Inbox() <- directory.Enqueue{Game: gameName, Nickname: req.Nickname, Reply: reply}
			res := <-reply
			if res.Err != nil {
				writeJSON(w, statusFor(res.Err), queueResponse{Error: errorCode(res.Err)})
				return
			}
			if res.Matched {
				writeJSON(w, http.StatusOK, queueResponse{
					Matched:    true,
					ConnectURL: connectURL(gameName, res.Room.Code()),
				})
				return
			}
			writeJSON(w, http.StatusOK, queueResponse{Queued: true, QueueID: res.TicketID})

		case "poll":
			reply := make(chan directory.PollReply, 1)
			d.Inbox() <- directory.PollTicket{TicketID: req.QueueID, Reply: reply}
			res := <-reply
			if res.Err != nil {
				writeJSON(w, statusFor(res.Err), queueResponse{Error: errorCode(res.Err)})
				return
			}
			if res.Matched {
				writeJSON(w, http.StatusOK, queueResponse{
					Matched:    true,
					ConnectURL: connectURL(gameName, res.Room.Code()),
				})
				return
			}
			writeJSON(w, http.StatusOK, queueResponse{Queued: true, QueueID: req.QueueID})

		default:
			writeJSON(w, http.StatusBadRequest, queueResponse{Error: "bad_request"})
		}
	}
}

// roomState queries a room's view without assuming the room is still
// alive: a room can dispose itself between the directory lookup and
// this query, and a bare send or receive would hang forever.
func roomState(rm *room.Room) (room.View, bool) {
	reply := make(chan room.View, 1)
	select {
	case rm.Inbox() <- room.GetState{Reply: reply}:
	case <-rm.Done():
		return room.View{}, false
	}
	select {
	case view := <-reply:
		return view, true
	case <-rm.Done():
		return room.View{}, false
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, directory.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, directory.ErrInvalidRoomCode):
		return "invalid_room_code"
	case errors.Is(err, directory.ErrTicketNotFound):
		return "matchmaking_failed"
	case errors.Is(err, game.ErrUnknownGame):
		return "unknown_game"
	default:
		return "internal_error"
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, directory.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, directory.ErrInvalidRoomCode), errors.Is(err, game.ErrUnknownGame):
		return http.StatusBadRequest
	case errors.Is(err, directory.ErrTicketNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
