// Package wsstorage implements storage.Backend over a websocket relay.
// Every write is a frame, so deliveries keep their diffs and arrive in
// the relay's serialized order. Durability is only as good as the
// relay's memory; a relay restart loses entries.
package wsstorage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwell/inkstore/pkg/storage"
)

var errClosed = errors.New("wsstorage: backend closed")

// Backend dials one relay connection per persistence key on first use.
type Backend struct {
	relayURL string
	dialer   *websocket.Dialer

	mu     sync.Mutex
	conns  map[string]*keyConn
	closed bool
}

// keyConn is a live connection for one key. Its read loop is the only
// writer of latest and the only caller of watcher callbacks, so
// deliveries stay in relay order.
type keyConn struct {
	ws   *websocket.Conn
	out  chan frame
	done chan struct{}

	ready chan struct{} // closed once the hello frame arrives

	mu     sync.RWMutex
	latest *storage.Entry

	watchMu  sync.Mutex
	watchers map[uint64]func(storage.Entry)
	nextID   uint64
}

// Open validates the relay URL. Connections are dialed lazily per key.
func Open(relayURL string) (*Backend, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http", "https":
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	default:
		return nil, fmt.Errorf("relay url scheme %q not supported", u.Scheme)
	}
	return &Backend{
		relayURL: u.String(),
		dialer:   websocket.DefaultDialer,
		conns:    make(map[string]*keyConn),
	}, nil
}

func (b *Backend) conn(ctx context.Context, key string) (*keyConn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errClosed
	}
	if kc, ok := b.conns[key]; ok {
		b.mu.Unlock()
		return kc, nil
	}
	b.mu.Unlock()

	ws, _, err := b.dialer.DialContext(ctx, b.relayURL+"?key="+url.QueryEscape(key), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	kc := &keyConn{
		ws:       ws,
		out:      make(chan frame, outboundBuffer),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		watchers: make(map[uint64]func(storage.Entry)),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ws.Close()
		return nil, errClosed
	}
	if racing, ok := b.conns[key]; ok {
		b.mu.Unlock()
		ws.Close()
		return racing, nil
	}
	b.conns[key] = kc
	b.mu.Unlock()

	go kc.writePump()
	go b.readLoop(key, kc)

	select {
	case <-kc.ready:
		return kc, nil
	case <-kc.done:
		return nil, errors.New("wsstorage: relay closed connection before hello")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writePump owns all writes on the connection. kc.out is never closed;
// the pump exits on done so a racing Write cannot hit a closed channel.
func (kc *keyConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		kc.ws.Close()
	}()
	for {
		select {
		case <-kc.done:
			return
		case f := <-kc.out:
			kc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := kc.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			kc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := kc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop feeds the cache and watchers until the relay hangs up, then
// retires the connection so the next operation redials.
func (b *Backend) readLoop(key string, kc *keyConn) {
	defer func() {
		b.mu.Lock()
		if b.conns[key] == kc {
			delete(b.conns, key)
		}
		b.mu.Unlock()
		close(kc.done)
	}()
	helloSeen := false
	for {
		var f frame
		if err := kc.ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Kind {
		case kindHello:
			if f.Found && f.Entry != nil {
				kc.setLatest(*f.Entry)
			}
			if !helloSeen {
				helloSeen = true
				close(kc.ready)
			}
		case kindEntry:
			if f.Entry == nil {
				continue
			}
			kc.setLatest(*f.Entry)
			kc.dispatch(*f.Entry)
		}
	}
}

func (kc *keyConn) setLatest(e storage.Entry) {
	kc.mu.Lock()
	kc.latest = &e
	kc.mu.Unlock()
}

func (kc *keyConn) dispatch(e storage.Entry) {
	kc.watchMu.Lock()
	fns := make([]func(storage.Entry), 0, len(kc.watchers))
	for _, fn := range kc.watchers {
		fns = append(fns, fn)
	}
	kc.watchMu.Unlock()
	for _, fn := range fns {
		fn(cloneEntry(e))
	}
}

// Read returns the cached latest entry, which the read loop keeps
// current from relay broadcasts.
func (b *Backend) Read(ctx context.Context, key string) (storage.Entry, bool, error) {
	kc, err := b.conn(ctx, key)
	if err != nil {
		return storage.Entry{}, false, err
	}
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	if kc.latest == nil {
		return storage.Entry{}, false, nil
	}
	return cloneEntry(*kc.latest), true, nil
}

// Write sends the entry to the relay. The relay's echo updates the
// cache and reaches watchers, keeping all clients on one order.
func (b *Backend) Write(ctx context.Context, key string, e storage.Entry) error {
	kc, err := b.conn(ctx, key)
	if err != nil {
		return err
	}
	e = cloneEntry(e)
	f := frame{Kind: kindEntry, Entry: &e}
	select {
	case kc.out <- f:
		kc.setLatest(e)
		return nil
	case <-kc.done:
		return errors.New("wsstorage: connection lost")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch registers fn for entry frames on key until ctx is canceled.
func (b *Backend) Watch(ctx context.Context, key string, fn func(storage.Entry)) error {
	kc, err := b.conn(ctx, key)
	if err != nil {
		return err
	}
	kc.watchMu.Lock()
	id := kc.nextID
	kc.nextID++
	kc.watchers[id] = fn
	kc.watchMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-kc.done:
		}
		kc.watchMu.Lock()
		delete(kc.watchers, id)
		kc.watchMu.Unlock()
	}()
	return nil
}

// Close hangs up every connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*keyConn, 0, len(b.conns))
	for _, kc := range b.conns {
		conns = append(conns, kc)
	}
	b.conns = make(map[string]*keyConn)
	b.mu.Unlock()

	for _, kc := range conns {
		kc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		kc.ws.Close()
	}
	return nil
}

func cloneEntry(e storage.Entry) storage.Entry {
	out := e
	if e.Diff != nil {
		out.Diff = append([]byte(nil), e.Diff...)
	}
	if e.State != nil {
		out.State = append([]byte(nil), e.State...)
	}
	return out
}

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)
