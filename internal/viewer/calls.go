package viewer

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/careline/careline/internal/call"
)

// registerCalls registers the call control endpoints. Every operation is
// a thin shim over the call service; state progress reaches the frontend
// through /api/call/events or the websocket stream, not the POST reply.
func registerCalls(mux *http.ServeMux, v Viewer) {
	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID string `json:"room_id"`
		Video  bool   `json:"video"`
	}) {
		if req.RoomID == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		rec := v.Calls.Start(req.RoomID, req.Video)
		writeJSON(w, rec)
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		v.Calls.Answer()
		writeJSON(w, map[string]string{"status": "answering"})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		v.Calls.Reject()
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		v.Calls.Hangup()
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/mute-audio
	handlePost(mux, "/api/call/mute-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		Muted bool `json:"muted"`
	}) {
		v.Calls.SetMicrophoneMuted(req.Muted)
		writeJSON(w, map[string]bool{"muted": req.Muted})
	})

	// POST /api/call/mute-video
	handlePost(mux, "/api/call/mute-video", func(w http.ResponseWriter, r *http.Request, req struct {
		Muted bool `json:"muted"`
	}) {
		v.Calls.SetVideoMuted(req.Muted)
		writeJSON(w, map[string]bool{"muted": req.Muted})
	})

	// GET /api/call/current
	handleGet(mux, "/api/call/current", func(w http.ResponseWriter, r *http.Request) {
		rec := v.Calls.Current()
		if rec == nil {
			writeJSON(w, map[string]any{"active": false})
			return
		}
		writeJSON(w, map[string]any{"active": true, "call": rec})
	})

	// GET /api/call/events — SSE: call record changes. Each connection
	// gets its own subscription; unsubscribed on disconnect. The first
	// event is the current snapshot, delivered by Subscribe itself.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch := make(chan *call.Record, 16)
		cancel := v.Calls.Subscribe(func(rec *call.Record) {
			select {
			case ch <- rec:
			default:
			}
		})
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case rec := <-ch:
				var data []byte
				if rec == nil {
					data = []byte("null")
				} else {
					data, _ = json.Marshal(rec)
				}
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}
