package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/arcadehub/battle-backend/internal/directory"
	"github.com/arcadehub/battle-backend/internal/ws"
)

func SetupRoutes(d *directory.Directory, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Route("/battle/{game}", func(r chi.Router) {
		r.Post("/create", CreateRoom(d, log))
		r.Post("/join", JoinRoom(d, log))
		r.Post("/queue", Queue(d, log))
		r.Get("/ws", ws.Handler(d, log))
	})
	r.Get("/healthz", Healthz)
	return r
}
