// Package wire is the libp2p implementation of the protocol client: a
// host with a persistent identity key, mDNS LAN discovery, one gossipsub
// topic per conversation room for timeline events, and a direct stream
// protocol for in-call signaling.
package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	p2pproto "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/careline/careline/internal/protocol"
	"github.com/careline/careline/internal/storage"
	"github.com/careline/careline/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// eventSubCap is the buffer per event subscriber; slow consumers drop.
const eventSubCap = 128

// Client is the wire client. It satisfies protocol.Client.
type Client struct {
	host host.Host
	ps   *pubsub.PubSub
	dir  *storage.Directory

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	rooms map[string]*room

	chMu     sync.Mutex
	channels map[string]*callChannel

	subMu     sync.RWMutex
	nextSub   int
	evSubs    map[int]chan protocol.Event
	connSubs  map[int]chan protocol.ConnState
	roomSubs  map[int]chan string
	connState protocol.ConnState
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New creates the wire client: libp2p host, mDNS discovery, gossipsub,
// and the signaling stream handler. Rooms persisted in the directory are
// rejoined immediately so their topics receive events from the start.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag string, dir *storage.Directory) (*Client, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("WIRE: generated new identity key: %s", keyFile)
	} else {
		log.Printf("WIRE: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	if mdnsTag == "" {
		mdnsTag = protocol.MdnsTag
	}
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		host:      h,
		ps:        ps,
		dir:       dir,
		ctx:       cctx,
		cancel:    cancel,
		rooms:     make(map[string]*room),
		channels:  make(map[string]*callChannel),
		evSubs:    make(map[int]chan protocol.Event),
		connSubs:  make(map[int]chan protocol.ConnState),
		roomSubs:  make(map[int]chan string),
		connState: protocol.ConnConnecting,
	}

	h.SetStreamHandler(p2pproto.ID(protocol.SignalProtoID), c.handleSignalStream)
	log.Printf("WIRE: registered handler for %s", protocol.SignalProtoID)

	// Connectivity is peer-level here: ready while at least one peer is
	// reachable, disconnected when the last one drops.
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			c.setConnState(protocol.ConnReady)
		},
		DisconnectedF: func(n network.Network, _ network.Conn) {
			if len(n.Peers()) == 0 {
				c.setConnState(protocol.ConnDisconnected)
			}
		},
	})

	if err := c.rejoinStoredRooms(); err != nil {
		_ = h.Close()
		cancel()
		return nil, err
	}

	log.Printf("WIRE: peer %s listening on port %d", c.UserID(), listenPort)
	return c, nil
}

// rejoinStoredRooms joins the topic of every room in the directory.
func (c *Client) rejoinStoredRooms() error {
	if c.dir == nil {
		return nil
	}
	entries, err := c.dir.List()
	if err != nil {
		return fmt.Errorf("wire: load room directory: %w", err)
	}
	for _, e := range entries {
		if _, err := c.JoinRoom(e.ID, e.Counterparty, e.Label); err != nil {
			log.Printf("WIRE: rejoin room %s failed: %v", e.ID, err)
		}
	}
	return nil
}

// UserID returns the host's peer ID, which doubles as the user identity.
func (c *Client) UserID() string {
	return c.host.ID().String()
}

// JoinRoom joins the room's gossipsub topic and starts its event loop.
// Joining an already-joined room returns the existing room and updates
// the directory entry.
func (c *Client) JoinRoom(roomID, counterparty, label string) (protocol.Room, error) {
	c.mu.Lock()
	if r, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		if c.dir != nil {
			_ = c.dir.Upsert(roomID, counterparty, label)
		}
		return r, nil
	}
	c.mu.Unlock()

	topic, err := c.ps.Join(protocol.RoomTopic(roomID))
	if err != nil {
		return nil, fmt.Errorf("wire: join room %s: %w", roomID, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("wire: subscribe room %s: %w", roomID, err)
	}

	r := &room{c: c, id: roomID, counterparty: counterparty, topic: topic}

	c.mu.Lock()
	if existing, ok := c.rooms[roomID]; ok {
		// Lost the race with a concurrent join.
		c.mu.Unlock()
		sub.Cancel()
		_ = topic.Close()
		return existing, nil
	}
	c.rooms[roomID] = r
	c.mu.Unlock()

	go r.readLoop(c.ctx, sub)

	if c.dir != nil {
		_ = c.dir.Upsert(roomID, counterparty, label)
	}
	c.notifyRoomAdded(roomID)
	log.Printf("WIRE: joined room %s", roomID)
	return r, nil
}

// Room looks up a joined room.
func (c *Client) Room(roomID string) (protocol.Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil, false
	}
	return r, true
}

// Addrs returns the host's reachable multiaddresses, filtered to
// exclude loopback and link-local ones.
func (c *Client) Addrs() []string {
	var out []string
	for _, a := range c.host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		if !hasTCP(a) {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// hasTCP reports whether the multiaddr carries a TCP component; the
// host only listens on TCP, anything else is not dialable here.
func hasTCP(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_TCP {
			return true
		}
	}
	return false
}

// Rooms returns a snapshot of all joined rooms.
func (c *Client) Rooms() []protocol.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// SubscribeEvents returns the live timeline stream and a cancel func.
func (c *Client) SubscribeEvents() (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, eventSubCap)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.evSubs[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if sub, ok := c.evSubs[id]; ok {
			delete(c.evSubs, id)
			close(sub)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// SubscribeConnState returns connectivity transitions and a cancel func.
// The current state is delivered immediately.
func (c *Client) SubscribeConnState() (<-chan protocol.ConnState, func()) {
	ch := make(chan protocol.ConnState, 8)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.connSubs[id] = ch
	ch <- c.connState
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if sub, ok := c.connSubs[id]; ok {
			delete(c.connSubs, id)
			close(sub)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// SubscribeRoomAdded notifies with the room ID on each join.
func (c *Client) SubscribeRoomAdded() (<-chan string, func()) {
	ch := make(chan string, 16)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.roomSubs[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if sub, ok := c.roomSubs[id]; ok {
			delete(c.roomSubs, id)
			close(sub)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

func (c *Client) setConnState(st protocol.ConnState) {
	c.subMu.Lock()
	if c.connState == st {
		c.subMu.Unlock()
		return
	}
	c.connState = st
	subs := make([]chan protocol.ConnState, 0, len(c.connSubs))
	for _, ch := range c.connSubs {
		subs = append(subs, ch)
	}
	c.subMu.Unlock()

	log.Printf("WIRE: connection %s", st)
	for _, ch := range subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// dispatchEvent fans an inbound event out to all event subscribers.
func (c *Client) dispatchEvent(ev protocol.Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.evSubs {
		select {
		case ch <- ev:
		default:
			log.Printf("WIRE: event subscriber full, dropping %s", shortID(ev.ID))
		}
	}
}

func (c *Client) notifyRoomAdded(roomID string) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.roomSubs {
		select {
		case ch <- roomID:
		default:
		}
	}
}

// handleSignalStream is the stream handler for the signaling protocol.
// It reads one frame, ACKs it immediately, then routes it to the call's
// channel (creating one if the call is not yet attached locally).
func (c *Client) handleSignalStream(stream network.Stream) {
	defer stream.Close()

	remote := stream.Conn().RemotePeer()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var frame signalFrame
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&frame); err != nil {
		log.Printf("WIRE: signal decode error from %s: %v", shortID(remote.String()), err)
		return
	}
	if frame.Type != frameTypeSignal || frame.CallID == "" {
		log.Printf("WIRE: malformed signal frame from %s", shortID(remote.String()))
		return
	}

	ack := signalAck{Type: frameTypeAck, ID: frame.ID}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Printf("WIRE: ack write error to %s: %v", shortID(remote.String()), err)
		// Keep routing — the bytes are already here.
	}

	log.Printf("WIRE: received %s signal for call %s from %s",
		frame.Signal.Type, shortID(frame.CallID), shortID(remote.String()))

	ch := c.ensureChannel(frame.CallID, remote)
	ch.deliver(frame.Signal)
}

// ensureChannel returns the channel routing call callID, creating a
// detached one if no side has attached yet. The remote peer of an
// existing channel wins; inbound frames never rebind it.
func (c *Client) ensureChannel(callID string, remote peer.ID) *callChannel {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	if ch, ok := c.channels[callID]; ok {
		return ch
	}
	ch := &callChannel{c: c, callID: callID, remote: remote}
	c.channels[callID] = ch
	return ch
}

func (c *Client) dropChannel(callID string) {
	c.chMu.Lock()
	delete(c.channels, callID)
	c.chMu.Unlock()
}

// Close shuts the client down. Room loops exit via the client context.
func (c *Client) Close() error {
	c.cancel()

	c.subMu.Lock()
	for id, ch := range c.evSubs {
		delete(c.evSubs, id)
		close(ch)
	}
	for id, ch := range c.connSubs {
		delete(c.connSubs, id)
		close(ch)
	}
	for id, ch := range c.roomSubs {
		delete(c.roomSubs, id)
		close(ch)
	}
	c.subMu.Unlock()

	return c.host.Close()
}
