package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// setupRoutes configures all HTTP routes for the API server
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/ceremonies", s.handleCeremonies).Methods(http.MethodGet)
	v1.HandleFunc("/ceremonies/{room_id}", s.handleCeremony).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{owner_id}", s.handleKeys).Methods(http.MethodGet)

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
	for _, extra := range s.opts.Extra {
		extra.Register(r)
	}
	return r
}
