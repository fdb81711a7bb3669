package viewer

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/careline/careline/internal/call"
	"github.com/careline/careline/internal/msync"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The viewer binds to loopback; the frontend may load from file://.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is one JSON message on the frontend event stream.
type wsFrame struct {
	Type   string       `json:"type"`
	Call   *call.Record `json:"call,omitempty"`
	RoomID string       `json:"room_id,omitempty"`
}

// wsSink adapts a websocket connection to a media feed target. Frames
// are written as binary messages for the frontend's decoder.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) WriteFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

// registerFeed registers GET /api/call/feed?role=local|remote: a
// websocket that becomes the rendering target for that feed. The sink
// survives call changes; disconnecting detaches it.
func registerFeed(mux *http.ServeMux, v Viewer) {
	handleGet(mux, "/api/call/feed", func(w http.ResponseWriter, r *http.Request) {
		role := r.URL.Query().Get("role")
		if role != "local" && role != "remote" {
			http.Error(w, "role must be local or remote", http.StatusBadRequest)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("VIEWER: feed upgrade error: %v", err)
			return
		}
		defer conn.Close()
		log.Printf("VIEWER: %s feed connected", role)

		sink := &wsSink{conn: conn}
		if role == "local" {
			v.Calls.SetLocalSink(sink)
			defer v.Calls.ClearLocalSink(sink)
		} else {
			v.Calls.SetRemoteSink(sink)
			defer v.Calls.ClearRemoteSink(sink)
		}

		// Block until the peer goes away; frames flow via the sink.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Printf("VIEWER: %s feed disconnected", role)
				return
			}
		}
	})
}

// registerStream registers GET /api/stream: a websocket carrying call
// record changes and message refresh signals on one connection, so the
// frontend needs a single socket for everything it reacts to.
func registerStream(mux *http.ServeMux, v Viewer) {
	handleGet(mux, "/api/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("VIEWER: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()
		log.Printf("VIEWER: event stream connected")

		frames := make(chan wsFrame, 64)
		push := func(f wsFrame) {
			select {
			case frames <- f:
			default:
				log.Printf("VIEWER: event stream full, dropping %s frame", f.Type)
			}
		}

		cancelCalls := v.Calls.Subscribe(func(rec *call.Record) {
			push(wsFrame{Type: "call", Call: rec})
		})
		defer cancelCalls()

		var cancelRefresh func()
		if v.Fanout != nil {
			cancelRefresh = v.Fanout.Subscribe(func(sig msync.Signal) {
				push(wsFrame{Type: "refresh", RoomID: sig.RoomID})
			})
			defer cancelRefresh()
		}

		// Drain incoming messages (ping/pong, close frames) and flag the
		// writer when the peer goes away.
		var once sync.Once
		done := make(chan struct{})
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					once.Do(func() { close(done) })
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				log.Printf("VIEWER: event stream disconnected")
				return
			case <-done:
				log.Printf("VIEWER: event stream closed by peer")
				return
			case f := <-frames:
				if err := conn.WriteJSON(f); err != nil {
					return
				}
			}
		}
	})
}
