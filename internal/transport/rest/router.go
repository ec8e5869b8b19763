package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"bingohall/internal/service"
	"bingohall/internal/transport/rest/handler"
	"bingohall/internal/transport/ws"
)

// Container holds all dependencies for the router.
type Container struct {
	SessionService *service.SessionService
	GrantService   *service.GrantService
	WSHub          *ws.Hub
	CORSOrigins    []string
	Log            zerolog.Logger
}

// NewRouter creates the API router with all endpoints.
func NewRouter(c *Container) http.Handler {
	r := mux.NewRouter()

	sessionHandler := handler.NewSessionHandler(c.SessionService, c.GrantService)
	wsHandler := ws.NewHandler(c.WSHub, c.GrantService, c.Log)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/sessions", sessionHandler.Create).Methods("POST")
	v1.HandleFunc("/sessions/{id}", sessionHandler.Get).Methods("GET")
	v1.HandleFunc("/sessions/{id}/join", sessionHandler.Join).Methods("POST")
	v1.HandleFunc("/sessions/{id}/leave", sessionHandler.Leave).Methods("POST")
	v1.HandleFunc("/sessions/{id}/start", sessionHandler.Start).Methods("POST")
	v1.HandleFunc("/sessions/{id}/draw", sessionHandler.Draw).Methods("POST")
	v1.HandleFunc("/sessions/{id}/reset", sessionHandler.Reset).Methods("POST")
	v1.HandleFunc("/sessions/{id}/cancel", sessionHandler.Cancel).Methods("POST")
	v1.HandleFunc("/sessions/{id}/bingo", sessionHandler.Bingo).Methods("POST")
	v1.HandleFunc("/sessions/{id}/subscribe", sessionHandler.Subscribe).Methods("POST")

	// Event stream attach (grant in query param).
	v1.HandleFunc("/ws/sessions/{id}", wsHandler.Attach).Methods("GET")

	corsMW := cors.New(cors.Options{
		AllowedOrigins: c.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Access-Token"},
	})
	return corsMW.Handler(r)
}
