// Package handler projects the sync engine's snapshot to a UI over REST,
// SSE and the realtime websocket bridge.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires HTTP routes to the sync core. realtime and mediaRoot
// are optional; they mount the websocket bridge and the media file
// server when set.
func NewRouter(api *API, realtime http.HandlerFunc, mediaRoot string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(route chi.Router) {
		route.Post("/auth/signup", api.handleSignUp)
		route.Post("/auth/signin", api.handleSignIn)
		route.Post("/auth/signout", api.handleSignOut)

		route.Get("/snapshot", api.handleSnapshot)
		route.Get("/stream", api.handleStream)

		route.Get("/rooms", api.handleListRooms)
		route.Post("/rooms", api.handleCreateRoom)
		route.Post("/rooms/{roomID}/open", api.handleOpenRoom)
		route.Get("/rooms/{roomID}/messages", api.handleListMessages)
		route.Post("/rooms/{roomID}/messages", api.handleSendMessage)
		route.Post("/rooms/{roomID}/seen", api.handleMarkSeen)

		route.Put("/profile", api.handleSaveProfile)

		if realtime != nil {
			route.Get("/realtime", realtime)
		}
	})

	if mediaRoot != "" {
		fileServer := http.FileServer(http.Dir(mediaRoot))
		r.Handle("/media/*", http.StripPrefix("/media/", fileServer))
	}

	return r
}
