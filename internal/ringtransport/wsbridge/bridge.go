// Package wsbridge implements the fabric's loopback-tcp endpoint kind: it
// forwards frames between fabric processes on the same host over a
// websocket bound to 127.0.0.1, for agents that live in a separate OS
// process from the router (e.g. a sandboxed worker). This is still a
// single-host mechanism — it is not a substitute for, and does not provide,
// cross-host networking.
package wsbridge

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/frame"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	// Loopback-only: the bridge is never exposed beyond 127.0.0.1, so the
	// origin check that matters is the listen address, not this header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Peer is one connected remote endpoint: a process-local proxy for a single
// agent's inbox, reachable over the loopback socket.
type Peer struct {
	agentID uint32
	conn    *websocket.Conn
	send    chan frame.Frame
	bridge  *Bridge
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case f, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			encoded, err := frame.Encode(f.Header, f.Payload)
			if err != nil {
				continue
			}
			if err := p.conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *Peer) readPump(onFrame func(uint32, frame.Frame)) {
	defer p.bridge.disconnect(p)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := frame.Decode(raw)
		if err != nil {
			p.bridge.logger.Warn("wsbridge: dropping corrupt frame", zap.Error(err))
			continue
		}
		onFrame(p.agentID, f)
	}
}

// Bridge is one process-local websocket hub bound to 127.0.0.1. Inbound
// frames are handed to OnFrame; outbound frames are queued with Send.
type Bridge struct {
	mu      sync.RWMutex
	peers   map[uint32]*Peer
	logger  *zap.Logger
	OnFrame func(agentID uint32, f frame.Frame)

	listener net.Listener
	server   *http.Server
}

// NewBridge constructs an idle Bridge. Call Listen to bind it.
func NewBridge(logger *zap.Logger) *Bridge {
	return &Bridge{
		peers:  make(map[uint32]*Peer),
		logger: logger.Named("wsbridge"),
	}
}

// Listen binds the bridge to 127.0.0.1:port (port 0 picks an ephemeral port)
// and starts serving upgrade requests in a background goroutine.
func (b *Bridge) Listen(port int) (addr string, err error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return "", err
	}
	b.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/fabric/agent", b.handleUpgrade)
	b.server = &http.Server{Handler: mux}
	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("wsbridge: serve exited", zap.Error(err))
		}
	}()
	return ln.Addr().String(), nil
}

func (b *Bridge) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseAgentID(r.URL.Query().Get("agent_id"))
	if err != nil {
		http.Error(w, "missing or invalid agent_id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("wsbridge: upgrade failed", zap.Error(err))
		return
	}
	p := &Peer{agentID: agentID, conn: conn, send: make(chan frame.Frame, sendBuffer), bridge: b}

	b.mu.Lock()
	b.peers[agentID] = p
	b.mu.Unlock()

	go p.writePump()
	go p.readPump(func(id uint32, f frame.Frame) {
		if b.OnFrame != nil {
			b.OnFrame(id, f)
		}
	})
}

func (b *Bridge) disconnect(p *Peer) {
	b.mu.Lock()
	if cur, ok := b.peers[p.agentID]; ok && cur == p {
		delete(b.peers, p.agentID)
		close(p.send)
	}
	b.mu.Unlock()
}

// Send queues f for delivery to agentID over its loopback connection. It
// returns false if agentID has no connected peer or its send buffer is full
// (the caller should treat that the same as a ring QueueFull).
func (b *Bridge) Send(agentID uint32, f frame.Frame) bool {
	b.mu.RLock()
	p, ok := b.peers[agentID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case p.send <- f:
		return true
	default:
		return false
	}
}

// Close shuts down the listener and disconnects every peer.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	for _, p := range b.peers {
		close(p.send)
	}
	b.peers = make(map[uint32]*Peer)
	b.mu.Unlock()
	if b.server != nil {
		return b.server.Shutdown(ctx)
	}
	return nil
}

func parseAgentID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	return uint32(id), err
}
