package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lockstep.gg/internal/protocol"
	"lockstep.gg/internal/sim/command"
)

type peer struct {
	id     string
	player command.PlayerID
	name   string
	host   bool

	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once

	tick     atomic.Uint32
	paused   atomic.Bool
	lastSeen atomic.Int64
}

func newPeer(conn *websocket.Conn, hs protocol.Handshake, queue int) *peer {
	p := &peer{
		id:     hs.PeerID,
		player: command.PlayerID(hs.Player),
		name:   hs.Name,
		host:   hs.Host,
		conn:   conn,
		out:    make(chan []byte, queue),
		done:   make(chan struct{}),
	}
	p.tick.Store(hs.Tick)
	p.lastSeen.Store(time.Now().UnixNano())
	return p
}

func (p *peer) send(b []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- b:
		return true
	default:
		return false
	}
}

// close stops the writer and unblocks the reader.
func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.SetReadDeadline(time.Now())
	})
}

func (p *peer) writeLoop(ctx context.Context) {
	defer p.close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case b := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				return
			}
		}
	}
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		ID:       p.id,
		Player:   uint16(p.player),
		Name:     p.name,
		Host:     p.host,
		Tick:     p.tick.Load(),
		Paused:   p.paused.Load(),
		Queue:    len(p.out),
		LastSeen: time.Unix(0, p.lastSeen.Load()),
	}
}
