package wsstorage

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwell/inkstore/pkg/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// outboundBuffer bounds the per-connection send queue. Slow
	// readers past this point lose frames rather than stall the relay.
	outboundBuffer = 64
)

// frame is the wire message. The relay sends one hello frame on
// connect carrying the latest entry for the key, then entry frames for
// every write. Clients send entry frames only.
type frame struct {
	Kind  string         `json:"kind"` // "hello" or "entry"
	Found bool           `json:"found,omitempty"`
	Entry *storage.Entry `json:"entry,omitempty"`
}

const (
	kindHello = "hello"
	kindEntry = "entry"
)

// Relay is the hub side of the websocket backend: an http.Handler that
// accepts one connection per persistence key (the key query parameter),
// keeps the latest entry per key in memory, and fans every write out to
// all connections on that key, the writer included. Entries do not
// survive a relay restart, so peers behind it trade durability for
// zero-infrastructure sync.
type Relay struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	latest map[string]storage.Entry
	conns  map[string]map[*relayConn]bool
}

type relayConn struct {
	out chan frame
}

// NewRelay returns a relay ready to serve.
func NewRelay() *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		latest: make(map[string]storage.Entry),
		conns:  make(map[string]map[*relayConn]bool),
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "key query parameter required", http.StatusBadRequest)
		return
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	rc := &relayConn{out: make(chan frame, outboundBuffer)}
	r.register(key, rc)

	go writeLoop(ws, rc.out)

	defer func() {
		r.unregister(key, rc)
		close(rc.out)
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("relay read", "key", key, "err", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		if f.Kind != kindEntry || f.Entry == nil {
			continue
		}
		r.broadcast(key, *f.Entry)
	}
}

// register adds the connection and enqueues its hello frame under one
// lock, so the hello is always first in the queue and no write can slip
// in between the snapshot and the registration.
func (r *Relay) register(key string, rc *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.conns[key]
	if set == nil {
		set = make(map[*relayConn]bool)
		r.conns[key] = set
	}
	set[rc] = true

	hello := frame{Kind: kindHello}
	if e, ok := r.latest[key]; ok {
		hello.Found = true
		hello.Entry = &e
	}
	rc.out <- hello
}

func (r *Relay) unregister(key string, rc *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.conns[key]; set != nil {
		delete(set, rc)
		if len(set) == 0 {
			delete(r.conns, key)
		}
	}
}

func (r *Relay) broadcast(key string, e storage.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest[key] = e
	for rc := range r.conns[key] {
		f := frame{Kind: kindEntry, Entry: &e}
		select {
		case rc.out <- f:
		default:
			slog.Warn("relay dropped frame for slow reader", "key", key, "seq", e.Seq)
		}
	}
}

// writeLoop owns all writes on ws. It drains out until the read side
// closes it, pinging idle connections to keep them alive.
func writeLoop(ws *websocket.Conn, out <-chan frame) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case f, ok := <-out:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
