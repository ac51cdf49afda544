package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakloop/internal/playback"
)

const (
	// subscriberBuffer is the number of events queued per websocket client
	// before events are dropped for it.
	subscriberBuffer = 64

	eventWriteTimeout = 5 * time.Second
)

type subscriber struct {
	id      uint64
	ch      chan []byte
	dropped atomic.Uint64
}

// Hub fans playback events out to websocket clients. It implements
// [playback.Observer] and never blocks the session loop: a client that falls
// more than subscriberBuffer events behind misses events.
//
// Hub is safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	done   chan struct{}
}

var _ playback.Observer = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[uint64]*subscriber),
		done: make(chan struct{}),
	}
}

// Observe implements [playback.Observer].
func (h *Hub) Observe(ev playback.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event hub: marshal event", "kind", ev.Kind, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.ch <- data:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a websocket and streams every event as a
// JSON text message until the client goes away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("event hub: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	sub, ok := h.subscribe()
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unsubscribe(sub)
	slog.Debug("event hub: client connected", "remote", r.RemoteAddr, "id", sub.id)

	// Clients only listen; CloseRead handles their pings and close frames.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			slog.Debug("event hub: client disconnected", "id", sub.id, "dropped", sub.dropped.Load())
			return
		case <-h.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data := <-sub.ch:
			if err := h.write(ctx, conn, data); err != nil {
				slog.Debug("event hub: write failed", "id", sub.id, "err", err)
				return
			}
		}
	}
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.done)
	return nil
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) subscribe() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.nextID++
	s := &subscriber{id: h.nextID, ch: make(chan []byte, subscriberBuffer)}
	h.subs[s.id] = s
	return s, true
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s.id)
}
