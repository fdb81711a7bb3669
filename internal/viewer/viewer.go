// Package viewer is the local HTTP control surface: call control, room
// and message endpoints, a websocket event stream for the frontend, and
// the process log. It binds to loopback only.
package viewer

import (
	"net/http"

	"github.com/careline/careline/internal/call"
	"github.com/careline/careline/internal/msync"
	"github.com/careline/careline/internal/storage"
	"github.com/careline/careline/internal/wire"
)

type Viewer struct {
	Client *wire.Client
	Calls  *call.Service
	Fanout *msync.Fanout
	Logs   *LogBuffer
	Dir    *storage.Directory

	CfgPath string
}

func Start(addr string, v Viewer) error {
	mux := http.NewServeMux()

	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"user_id":  v.Client.UserID(),
			"addrs":    v.Client.Addrs(),
			"cfg_path": v.CfgPath,
		})
	})

	registerCalls(mux, v)
	registerRooms(mux, v)
	registerStream(mux, v)
	registerFeed(mux, v)

	if v.Logs != nil {
		mux.HandleFunc("/api/logs", v.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", v.Logs.ServeLogsSSE)
	}

	return http.ListenAndServe(addr, mux)
}
