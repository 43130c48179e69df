// Package ws links lockstep peers over websockets. The host accepts guests
// and relays their batches to each other; a guest dials the host only. Each
// websocket binary message carries one protocol frame.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lockstep.gg/internal/protocol"
	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/world"
)

var (
	ErrRefused = errors.New("ws: handshake refused")
	ErrClosed  = errors.New("ws: hub closed")
)

// Sink is the local engine the hub feeds. *world.World implements it.
type Sink interface {
	Tick() uint32
	Metrics() world.WorldMetrics
	DeliverBatch(context.Context, command.Batch) error
	DeliverChecksum(context.Context, world.ChecksumReport) error
	RequestImport(ctx context.Context, save []byte) error
	RequestSave(ctx context.Context) (world.Save, error)
}

type Config struct {
	SessionID string
	// PeerID names this node on the wire; a random uuid when empty.
	PeerID string
	Player command.PlayerID
	Name   string
	Host   bool

	ScenarioDigest uint64
	TuningDigest   string
	// Players lists the guests a host admits; empty admits any player
	// other than its own.
	Players []command.PlayerID

	QueueSize      int
	HeartbeatEvery time.Duration
	Logger         *log.Logger
}

type Stats struct {
	Peers     int    `json:"peers"`
	SentTotal uint64 `json:"sent_total"`
	RecvTotal uint64 `json:"recv_total"`
	BadTotal  uint64 `json:"bad_total"`
	DropTotal uint64 `json:"drop_total"`
}

type Hub struct {
	cfg  Config
	log  *log.Logger
	sink Sink

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[string]*peer
	lobby protocol.Lobby

	sent    atomic.Uint64
	recv    atomic.Uint64
	bad     atomic.Uint64
	dropped atomic.Uint64
}

func NewHub(cfg Config) *Hub {
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:    cfg,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*peer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Bind sets the engine; call it before serving or dialing.
func (h *Hub) Bind(s Sink) { h.sink = s }

func (h *Hub) PeerID() string { return h.cfg.PeerID }

func (h *Hub) handshake() protocol.Handshake {
	var tick uint32
	if h.sink != nil {
		tick = h.sink.Tick()
	}
	return protocol.Handshake{
		ProtocolVersion: protocol.Version,
		SessionID:       h.cfg.SessionID,
		PeerID:          h.cfg.PeerID,
		Player:          uint16(h.cfg.Player),
		Name:            h.cfg.Name,
		ScenarioDigest:  protocol.FormatDigest(h.cfg.ScenarioDigest),
		TuningDigest:    h.cfg.TuningDigest,
		Tick:            tick,
		Host:            h.cfg.Host,
	}
}

// Handler accepts guests. Only a host serves it.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !h.cfg.Host {
			http.Error(rw, "not a host", http.StatusNotFound)
			return
		}
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		p, err := h.accept(conn)
		if err != nil {
			h.log.Printf("handshake from %s: %v", r.RemoteAddr, err)
			return
		}
		h.log.Printf("peer %s joined as player %d", p.id, p.player)
		h.broadcastLobby()

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			p.writeLoop(h.ctx)
		}()
		if err := h.sendJoinSave(p); err != nil {
			h.log.Printf("join save for %s: %v", p.id, err)
			p.close()
		}
		h.readLoop(p)

		h.remove(p)
		h.log.Printf("peer %s left", p.id)
		h.broadcastLobby()
	}
}

func (h *Hub) accept(conn *websocket.Conn) (*peer, error) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	f, err := protocol.ParseFrame(msg)
	if err != nil {
		return nil, err
	}
	hs, err := protocol.DecodeHandshake(f)
	if err != nil {
		refuse(conn, h.reply(protocol.ErrProtoBadRequest, err.Error()))
		return nil, err
	}

	h.mu.Lock()
	code, why := h.admit(hs)
	var p *peer
	if code == "" {
		p = newPeer(conn, hs, h.cfg.QueueSize)
		ok := h.reply("", "")
		raw, err := protocol.EncodeHandshake(ok.Tick, ok)
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		// the reply is queued ahead of anything broadcast once the peer is
		// visible
		p.out <- raw
		h.peers[p.id] = p
	}
	h.mu.Unlock()

	if code != "" {
		refuse(conn, h.reply(code, why))
		return nil, fmt.Errorf("%w: %s %s", ErrRefused, code, why)
	}
	return p, nil
}

// admit runs under h.mu.
func (h *Hub) admit(hs protocol.Handshake) (code, why string) {
	player := command.PlayerID(hs.Player)
	switch {
	case hs.ProtocolVersion != protocol.Version:
		return protocol.ErrProtoVersion, fmt.Sprintf("protocol %d, want %d", hs.ProtocolVersion, protocol.Version)
	case hs.SessionID != h.cfg.SessionID:
		return protocol.ErrSessionMismatch, fmt.Sprintf("session %q", hs.SessionID)
	case hs.ScenarioDigest != "" && h.cfg.ScenarioDigest != 0 && hs.ScenarioDigest != protocol.FormatDigest(h.cfg.ScenarioDigest):
		return protocol.ErrScenarioMismatch, "scenario " + hs.ScenarioDigest
	case hs.TuningDigest != "" && h.cfg.TuningDigest != "" && hs.TuningDigest != h.cfg.TuningDigest:
		return protocol.ErrTuningMismatch, "tuning " + hs.TuningDigest
	case player == h.cfg.Player:
		return protocol.ErrPlayerTaken, fmt.Sprintf("player %d is the host", player)
	case hs.PeerID == h.cfg.PeerID:
		return protocol.ErrProtoBadRequest, fmt.Sprintf("peer id %q is the host's", hs.PeerID)
	}
	if len(h.cfg.Players) > 0 && !containsPlayer(h.cfg.Players, player) {
		return protocol.ErrPlayerUnknown, fmt.Sprintf("player %d is not in this session", player)
	}
	if _, ok := h.peers[hs.PeerID]; ok {
		return protocol.ErrProtoBadRequest, fmt.Sprintf("peer id %q is connected", hs.PeerID)
	}
	for _, p := range h.peers {
		if p.player == player {
			return protocol.ErrPlayerTaken, fmt.Sprintf("player %d is connected", player)
		}
	}
	return "", ""
}

func containsPlayer(ps []command.PlayerID, p command.PlayerID) bool {
	for _, q := range ps {
		if q == p {
			return true
		}
	}
	return false
}

func (h *Hub) reply(code, why string) protocol.Handshake {
	r := h.handshake()
	r.Reply = true
	r.Accepted = code == ""
	r.Code = code
	if len(why) > 512 {
		why = why[:512]
	}
	r.Message = why
	return r
}

func refuse(conn *websocket.Conn, r protocol.Handshake) {
	if raw, err := protocol.EncodeHandshake(r.Tick, r); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.BinaryMessage, raw)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, r.Code), time.Now().Add(time.Second))
}

// sendJoinSave gives a new guest the host's state; the guest starts from it.
func (h *Hub) sendJoinSave(p *peer) error {
	if h.sink == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()
	s, err := h.sink.RequestSave(ctx)
	if err != nil {
		return err
	}
	frames, err := protocol.EncodeResync(s.Header.Tick, s.Data)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if !h.sendTo(p, f) {
			return fmt.Errorf("ws: peer %s queue full", p.id)
		}
	}
	return nil
}

// Dial connects a guest to the host at url and starts its link.
func (h *Hub) Dial(ctx context.Context, url string) error {
	if h.cfg.Host {
		return fmt.Errorf("ws: a host does not dial")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	hello := h.handshake()
	raw, err := protocol.EncodeHandshake(hello.Tick, hello)
	if err != nil {
		conn.Close()
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return err
	}
	f, err := protocol.ParseFrame(msg)
	if err != nil {
		conn.Close()
		return err
	}
	rep, err := protocol.DecodeHandshake(f)
	if err != nil {
		conn.Close()
		return err
	}
	if !rep.Reply || !rep.Accepted {
		conn.Close()
		return fmt.Errorf("%w: %s %s", ErrRefused, rep.Code, rep.Message)
	}
	if !rep.Host {
		conn.Close()
		return fmt.Errorf("ws: %s is not a host", url)
	}

	p := newPeer(conn, rep, h.cfg.QueueSize)
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
	h.log.Printf("joined host %s (player %d)", p.id, p.player)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		p.writeLoop(h.ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.readLoop(p)
		h.remove(p)
		conn.Close()
		h.log.Printf("host %s went away", p.id)
	}()
	return nil
}

func (h *Hub) remove(p *peer) {
	p.close()
	h.mu.Lock()
	if h.peers[p.id] == p {
		delete(h.peers, p.id)
	}
	h.mu.Unlock()
}

// sendTo queues one frame; a peer whose queue is full is cut off, since a
// lockstep peer that misses a batch can never catch up.
func (h *Hub) sendTo(p *peer, frame []byte) bool {
	if p.send(frame) {
		h.sent.Add(1)
		return true
	}
	h.dropped.Add(1)
	p.close()
	return false
}

func (h *Hub) broadcast(frame []byte, except *peer) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		if p != except {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()
	for _, p := range targets {
		if !h.sendTo(p, frame) {
			h.log.Printf("peer %s fell behind, dropping it", p.id)
		}
	}
}

// SendBatch implements world.Broadcaster.
func (h *Hub) SendBatch(b command.Batch) error {
	raw, err := protocol.EncodeBatch(b)
	if err != nil {
		return err
	}
	h.broadcast(raw, nil)
	return nil
}

func (h *Hub) SendChecksum(tick, sum uint32) error {
	raw, err := protocol.EncodeChecksum(tick, sum)
	if err != nil {
		return err
	}
	h.broadcast(raw, nil)
	return nil
}

// SendResync pushes an authoritative save to every guest.
func (h *Hub) SendResync(s world.Save) error {
	if !h.cfg.Host {
		return nil
	}
	frames, err := protocol.EncodeResync(s.Header.Tick, s.Data)
	if err != nil {
		return err
	}
	for _, f := range frames {
		h.broadcast(f, nil)
	}
	return nil
}

func (h *Hub) broadcastLobby() {
	h.mu.Lock()
	l := protocol.Lobby{SessionID: h.cfg.SessionID}
	l.Players = append(l.Players, protocol.LobbyPlayer{Player: uint16(h.cfg.Player), PeerID: h.cfg.PeerID, Name: h.cfg.Name, Ready: true})
	for _, p := range h.peers {
		l.Players = append(l.Players, protocol.LobbyPlayer{Player: uint16(p.player), PeerID: p.id, Name: p.name, Ready: true})
	}
	sort.Slice(l.Players, func(i, j int) bool { return l.Players[i].Player < l.Players[j].Player })
	h.lobby = l
	h.mu.Unlock()

	var tick uint32
	if h.sink != nil {
		tick = h.sink.Tick()
	}
	raw, err := protocol.EncodeLobby(tick, l)
	if err != nil {
		h.log.Printf("lobby: %v", err)
		return
	}
	h.broadcast(raw, nil)
}

// Lobby is the latest roster: the host's own, or the last one a guest got.
func (h *Hub) Lobby() protocol.Lobby {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lobby
}

func (h *Hub) readLoop(p *peer) {
	var resync protocol.ResyncAssembler
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		typ, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.BinaryMessage {
			h.bad.Add(1)
			continue
		}
		h.recv.Add(1)
		p.lastSeen.Store(time.Now().UnixNano())
		if err := h.handle(p, msg, &resync); err != nil {
			h.bad.Add(1)
			h.log.Printf("from %s: %v (%s)", p.id, err, protocol.CodeOf(err))
		}
	}
}

func (h *Hub) handle(p *peer, msg []byte, resync *protocol.ResyncAssembler) error {
	f, err := protocol.ParseFrame(msg)
	if err != nil {
		return err
	}
	switch f.Type {
	case protocol.TypeCommandBatch:
		b, err := protocol.DecodeBatch(f)
		if err != nil {
			return err
		}
		if !p.host && b.Player != p.player {
			return fmt.Errorf("batch for player %d from player %d", b.Player, p.player)
		}
		if h.cfg.Host {
			h.broadcast(msg, p)
		}
		if h.sink != nil {
			if err := h.sink.DeliverBatch(h.ctx, b); err != nil {
				return fmt.Errorf("deliver batch for tick %d: %w", b.Tick, err)
			}
		}
	case protocol.TypeChecksum:
		tick, sum, err := protocol.DecodeChecksum(f)
		if err != nil {
			return err
		}
		if h.sink != nil {
			if err := h.sink.DeliverChecksum(h.ctx, world.ChecksumReport{Peer: p.id, Tick: tick, Sum: sum}); err != nil {
				return fmt.Errorf("deliver checksum for tick %d: %w", tick, err)
			}
		}
	case protocol.TypeTickSync:
		tick, paused, err := protocol.DecodeTickSync(f)
		if err != nil {
			return err
		}
		p.tick.Store(tick)
		p.paused.Store(paused)
	case protocol.TypeLobby:
		if !p.host {
			return fmt.Errorf("lobby from a guest")
		}
		l, err := protocol.DecodeLobby(f)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.lobby = l
		h.mu.Unlock()
	case protocol.TypeResync:
		if !p.host {
			return fmt.Errorf("resync from a guest")
		}
		save, tick, done, err := resync.Add(f)
		if err != nil || !done {
			return err
		}
		if h.sink == nil {
			return nil
		}
		h.log.Printf("loading host state at tick %d (%d bytes)", tick, len(save))
		ctx, cancel := context.WithTimeout(h.ctx, 30*time.Second)
		defer cancel()
		return h.sink.RequestImport(ctx, save)
	case protocol.TypeHandshake:
		return fmt.Errorf("handshake on an open link")
	}
	return nil
}

// Run sends a tick sync to every peer on the heartbeat until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.cfg.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-t.C:
			if h.sink == nil {
				continue
			}
			raw, err := protocol.EncodeTickSync(h.sink.Tick(), h.sink.Metrics().Resyncing)
			if err != nil {
				continue
			}
			h.broadcast(raw, nil)
		}
	}
}

type PeerInfo struct {
	ID       string    `json:"id"`
	Player   uint16    `json:"player"`
	Name     string    `json:"name,omitempty"`
	Host     bool      `json:"host"`
	Tick     uint32    `json:"tick"`
	Paused   bool      `json:"paused"`
	Queue    int       `json:"queue"`
	LastSeen time.Time `json:"last_seen"`
}

func (h *Hub) Peers() []PeerInfo {
	h.mu.Lock()
	out := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p.info())
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.peers)
	h.mu.Unlock()
	return Stats{
		Peers:     n,
		SentTotal: h.sent.Load(),
		RecvTotal: h.recv.Load(),
		BadTotal:  h.bad.Load(),
		DropTotal: h.dropped.Load(),
	}
}

// Close drops every peer and waits for the link goroutines.
func (h *Hub) Close() error {
	h.cancel()
	h.mu.Lock()
	for _, p := range h.peers {
		p.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}
