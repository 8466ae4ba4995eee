// SPDX-License-Identifier: MIT
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"freqviz/internal/display"
	applog "freqviz/internal/log"

	"github.com/gorilla/websocket"
)

// Frame is the JSON message broadcast to websocket clients.
type Frame struct {
	Seq    uint64   `json:"seq"`
	Mode   string   `json:"mode"`
	Full   uint32   `json:"full"`
	Levels []uint32 `json:"levels"`
	Peaks  []uint32 `json:"peaks,omitempty"`
}

// WebSocketTransport implements the Transport interface for WebSocket connections
type WebSocketTransport struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	broadcast chan Frame // Never closed; done stops the broadcaster.
	done      chan struct{}
	server    *http.Server
	listener  net.Listener
	seq       atomic.Uint64
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewWebSocketTransport listens on addr and serves clients on /ws.
func NewWebSocketTransport(addr string) (*WebSocketTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket listen on %s: %w", addr, err)
	}

	wst := &WebSocketTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Visualizer pages may be served from anywhere.
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Frame, 64),
		done:      make(chan struct{}),
		listener:  ln,
	}

	wst.start()
	return wst, nil
}

// start begins the WebSocket server
func (wst *WebSocketTransport) start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wst.handleWebSocket)

	wst.server = &http.Server{Handler: mux}

	go func() {
		applog.Infof("transport: websocket server listening on %s", wst.listener.Addr())
		if err := wst.server.Serve(wst.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.Errorf("transport: websocket server error: %v", err)
		}
	}()

	go wst.handleBroadcasts()
}

// Addr returns the address the server listens on.
func (wst *WebSocketTransport) Addr() net.Addr { return wst.listener.Addr() }

// ClientCount returns the number of connected clients.
func (wst *WebSocketTransport) ClientCount() int {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return len(wst.clients)
}

// Dropped returns the number of frames dropped because the broadcast queue
// was full.
func (wst *WebSocketTransport) Dropped() uint64 { return wst.dropped.Load() }

// handleWebSocket upgrades HTTP connections to WebSocket
func (wst *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		applog.Warnf("transport: websocket upgrade error: %v", err)
		return
	}

	wst.clientsMu.Lock()
	wst.clients[conn] = true
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	applog.Infof("transport: websocket client connected, total: %d", total)

	// Clients never send; the first read error means they went away.
	go func() {
		if _, _, err := conn.ReadMessage(); err != nil {
			wst.clientsMu.Lock()
			delete(wst.clients, conn)
			total := len(wst.clients)
			wst.clientsMu.Unlock()
			conn.Close()
			applog.Infof("transport: websocket client disconnected, total: %d", total)
		}
	}()
}

// handleBroadcasts sends messages to all connected clients
func (wst *WebSocketTransport) handleBroadcasts() {
	for {
		var frame Frame
		select {
		case <-wst.done:
			return
		case frame = <-wst.broadcast:
		}
		wst.clientsMu.Lock()
		for client := range wst.clients {
			if err := client.WriteJSON(frame); err != nil {
				applog.Debugf("transport: websocket send error: %v", err)
				client.Close()
				delete(wst.clients, client)
			}
		}
		wst.clientsMu.Unlock()
	}
}

// Send queues v for every connected client. When the queue is full the frame
// is dropped.
func (wst *WebSocketTransport) Send(v display.Vector) error {
	if wst.closed.Load() {
		return ErrClosed
	}
	frame := Frame{
		Seq:    wst.seq.Add(1),
		Mode:   v.Mode.String(),
		Full:   v.Full,
		Levels: v.Levels,
		Peaks:  v.Peaks,
	}
	select {
	case <-wst.done:
		return ErrClosed
	case wst.broadcast <- frame:
	default:
		wst.dropped.Add(1)
	}
	return nil
}

// Close shuts down the WebSocket server
func (wst *WebSocketTransport) Close() error {
	var err error
	wst.closeOnce.Do(func() {
		applog.Infof("transport: closing websocket server")
		wst.closed.Store(true)

		wst.clientsMu.Lock()
		for client := range wst.clients {
			client.Close()
		}
		wst.clients = make(map[*websocket.Conn]bool)
		wst.clientsMu.Unlock()

		close(wst.done)
		err = wst.server.Close()
	})
	return err
}

// Ensure WebSocketTransport satisfies the interface
var _ Transport = (*WebSocketTransport)(nil)
