package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/opspulse/opspulse/internal/snapshot"
)

// feedEvent is one websocket frame: a snapshot refresh notification. The
// snapshot body stays behind the GET endpoint; the feed only announces that
// a new version exists.
type feedEvent struct {
	Type          string       `json:"type"`
	Key           snapshot.Key `json:"key"`
	ComputedAt    time.Time    `json:"computed_at"`
	SourceVersion int64        `json:"source_version"`
	Rows          int          `json:"rows"`
}

// Feed fans snapshot install notifications out to websocket subscribers.
// Slow subscribers are dropped rather than allowed to stall the refresh
// goroutine.
type Feed struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

type feedClient struct {
	conn *websocket.Conn
	send chan feedEvent
}

// NewFeed returns an empty feed hub.
func NewFeed() *Feed {
	return &Feed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*feedClient]struct{}),
	}
}

// Serve upgrades the request and streams refresh notifications until the
// client disconnects.
func (f *Feed) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &feedClient{conn: conn, send: make(chan feedEvent, 16)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[client] = struct{}{}
	f.mu.Unlock()

	go f.writeLoop(client)
	f.readLoop(client)
}

// Publish is installed as a snapshot store hook. It must not block.
func (f *Feed) Publish(snap *snapshot.Snapshot) {
	ev := feedEvent{
		Type:          "snapshot_refreshed",
		Key:           snap.Key,
		ComputedAt:    snap.ComputedAt,
		SourceVersion: snap.SourceVersion,
		Rows:          len(snap.Rows),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		select {
		case client.send <- ev:
		default:
			// Buffer full: the subscriber is too slow, cut it loose.
			delete(f.clients, client)
			close(client.send)
		}
	}
}

// Close disconnects all subscribers.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for client := range f.clients {
		delete(f.clients, client)
		close(client.send)
	}
}

func (f *Feed) writeLoop(client *feedClient) {
	defer client.conn.Close()
	for ev := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.conn.WriteJSON(ev); err != nil {
			return
		}
	}
	client.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed closed"))
}

// readLoop drains client frames so pings are answered; any read error
// unregisters the client.
func (f *Feed) readLoop(client *feedClient) {
	defer func() {
		f.mu.Lock()
		if _, ok := f.clients[client]; ok {
			delete(f.clients, client)
			close(client.send)
		}
		f.mu.Unlock()
		client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
