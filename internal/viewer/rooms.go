package viewer

import (
	"fmt"
	"net/http"

	"github.com/careline/careline/internal/storage"
)

// registerRooms registers the room directory and messaging endpoints.
func registerRooms(mux *http.ServeMux, v Viewer) {
	// GET /api/rooms
	handleGet(mux, "/api/rooms", func(w http.ResponseWriter, r *http.Request) {
		var rooms []storage.RoomEntry
		if v.Dir != nil {
			var err error
			rooms, err = v.Dir.List()
			if err != nil {
				http.Error(w, fmt.Sprintf("list rooms: %v", err), http.StatusInternalServerError)
				return
			}
		}
		if rooms == nil {
			rooms = []storage.RoomEntry{}
		}
		writeJSON(w, rooms)
	})

	// POST /api/rooms/join
	handlePost(mux, "/api/rooms/join", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID       string `json:"room_id"`
		Counterparty string `json:"counterparty"`
		Label        string `json:"label"`
	}) {
		if req.RoomID == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		if _, err := v.Client.JoinRoom(req.RoomID, req.Counterparty, req.Label); err != nil {
			http.Error(w, fmt.Sprintf("join room failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "joined", "room_id": req.RoomID})
	})

	// POST /api/message
	handlePost(mux, "/api/message", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID string `json:"room_id"`
		Body   string `json:"body"`
	}) {
		if req.RoomID == "" || req.Body == "" {
			http.Error(w, "missing room_id or body", http.StatusBadRequest)
			return
		}
		room, ok := v.Client.Room(req.RoomID)
		if !ok {
			http.Error(w, "room not joined", http.StatusNotFound)
			return
		}
		if err := room.SendMessage(r.Context(), req.Body); err != nil {
			http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "sent"})
	})
}
