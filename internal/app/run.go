// Package app wires the pieces together: config, wire client, room
// directory, call core, message sync, and the viewer.
package app

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/careline/careline/internal/bridge"
	"github.com/careline/careline/internal/call"
	"github.com/careline/careline/internal/config"
	"github.com/careline/careline/internal/msync"
	"github.com/careline/careline/internal/storage"
	"github.com/careline/careline/internal/util"
	"github.com/careline/careline/internal/viewer"
	"github.com/careline/careline/internal/wire"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts the peer and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(cfg.Viewer.LogLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	log.Printf("peer dir: %s", opt.PeerDir)
	log.Printf("config:   %s", opt.CfgPath)

	// ── Room directory
	dir, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.P2P.RoomDBPath))
	if err != nil {
		return err
	}
	defer dir.Close()

	// ── Wire client
	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	client, err := wire.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag, dir)
	if err != nil {
		return err
	}
	defer client.Close()

	// ── Call core
	coord := call.NewCoordinator()
	adapter := call.NewAdapter(client, coord, cfg.RoomWait(), cfg.Call.STUNServers)
	calls := call.NewService(client, coord, adapter)

	// ── Message sync
	fanout := msync.NewFanout()
	refresher := msync.NewRefresher(cfg.RefreshDebounce(), func(roomID string) {
		log.Printf("SYNC: refreshed message list for %s", roomID)
	})
	unsub := fanout.Subscribe(refresher.Handle)
	defer unsub()

	// ── Event bridge
	processed := bridge.NewProcessedSet(cfg.Call.ProcessedCap, cfg.ProcessedRetention())
	br := bridge.New(client, coord, fanout, cfg.FreshnessWindow(), processed)
	br.Initialize()
	defer br.Close()

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		go func() {
			err := viewer.Start(cfg.Viewer.HTTPAddr, viewer.Viewer{
				Client:  client,
				Calls:   calls,
				Fanout:  fanout,
				Logs:    logBuf,
				Dir:     dir,
				CfgPath: opt.CfgPath,
			})
			if err != nil {
				log.Printf("viewer failed: %v", err)
			}
		}()
		log.Printf("control surface: http://%s", cfg.Viewer.HTTPAddr)
	}

	log.Printf("peer id: %s", client.UserID())

	<-ctx.Done()
	calls.Hangup()
	return nil
}
