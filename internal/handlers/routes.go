package handlers

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes wires every API endpoint onto the router. Shared between
// cmd/api and the BDD suite so both serve the same surface.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	// Linked Instagram Business accounts (written by the OAuth callback flow).
	r.HandleFunc("/api/accounts", h.CreateAccount).Methods("POST")
	r.HandleFunc("/api/accounts/user/{userId}", h.ListAccountsForUser).Methods("GET")

	// Reel publications: immediate, scheduled, history, cancel, publish-now.
	r.HandleFunc("/api/publications/user/{userId}", h.CreatePublicationForUser).Methods("POST")
	r.HandleFunc("/api/publications/user/{userId}", h.ListPublicationsForUser).Methods("GET")
	r.HandleFunc("/api/publications/{id}/user/{userId}", h.DeletePublicationForUser).Methods("DELETE")
	r.HandleFunc("/api/publications/{id}/publish-now/user/{userId}", h.PublishNowPublicationForUser).Methods("POST")

	// Video uploads + public serving (the URL upload strategy needs these
	// files publicly fetchable).
	r.HandleFunc("/api/uploads/user/{userId}", h.UploadVideoForUser).Methods("POST")
	r.HandleFunc("/api/uploads/user/{userId}", h.ListUploadsForUser).Methods("GET")
	r.HandleFunc("/uploads/{userId}/{filename}", h.ServeUpload).Methods("GET")

	// Realtime publication status events.
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)
	r.HandleFunc("/api/events/ping", h.EventsPing).Methods("GET")
}
