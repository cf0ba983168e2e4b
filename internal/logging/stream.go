package logging

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// ErrHubFull rejects a subscriber past the connection cap.
var ErrHubFull = errors.New("log stream connection limit reached")

// Record is one broadcast log line.
type Record struct {
	ID        uint64                 `json:"id,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Hub fans log records out to WebSocket subscribers and keeps a bounded
// replay buffer so a fresh subscriber can catch up.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]time.Time

	broadcast chan Record
	stopCh    chan struct{}
	stopOnce  sync.Once

	historyMu  sync.RWMutex
	history    []Record
	historyCap int
	seq        uint64

	maxClients int
}

var (
	defaultHub *Hub
	hubOnce    sync.Once
)

// DefaultHub returns the process-wide hub, starting it on first use.
func DefaultHub() *Hub {
	hubOnce.Do(func() {
		defaultHub = NewHub()
		defaultHub.Start()
	})
	return defaultHub
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]time.Time),
		broadcast:  make(chan Record, 100),
		stopCh:     make(chan struct{}),
		history:    make([]Record, 0, 500),
		historyCap: 500,
		maxClients: 100,
	}
}

// Start launches the fan-out loop.
func (h *Hub) Start() {
	go func() {
		for {
			select {
			case rec := <-h.broadcast:
				h.mu.RLock()
				conns := make([]*websocket.Conn, 0, len(h.clients))
				for conn := range h.clients {
					conns = append(conns, conn)
				}
				h.mu.RUnlock()
				for _, conn := range conns {
					if err := conn.WriteJSON(rec); err != nil {
						h.Remove(conn)
					}
				}
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the loop and drops every subscriber.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]time.Time)
}

// Add registers a subscriber.
func (h *Hub) Add(conn *websocket.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.maxClients {
		return ErrHubFull
	}
	h.clients[conn] = time.Now()
	return nil
}

// Remove drops a subscriber and closes its connection.
func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish records a line and offers it to the fan-out loop. A full channel
// drops the line rather than block the logger.
func (h *Hub) Publish(level, message string, fields map[string]interface{}) {
	rec := Record{
		ID:        atomic.AddUint64(&h.seq, 1),
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	h.appendHistory(rec)
	select {
	case h.broadcast <- rec:
	default:
	}
}

func (h *Hub) appendHistory(rec Record) {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	h.history = append(h.history, rec)
	if len(h.history) > h.historyCap {
		excess := len(h.history) - h.historyCap
		h.history = append([]Record(nil), h.history[excess:]...)
	}
}

// FetchSince returns buffered records newer than cursor, the new cursor, and
// whether more remain.
func (h *Hub) FetchSince(cursor uint64, limit int) ([]Record, uint64, bool) {
	h.historyMu.RLock()
	defer h.historyMu.RUnlock()

	if limit <= 0 || limit > h.historyCap {
		limit = h.historyCap
	}
	total := len(h.history)
	if total == 0 {
		return []Record{}, cursor, false
	}

	start := 0
	if cursor == 0 {
		if total > limit {
			start = total - limit
		}
	} else {
		start = total
		for i, rec := range h.history {
			if rec.ID > cursor {
				start = i
				break
			}
		}
		if start >= total {
			return []Record{}, cursor, false
		}
	}

	end := start + limit
	if end > total {
		end = total
	}
	out := make([]Record, end-start)
	copy(out, h.history[start:end])

	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, end < total
}

// hubHook mirrors every logrus entry into the hub.
type hubHook struct {
	hub *Hub
}

func (hubHook) Levels() []log.Level { return log.AllLevels }

func (h hubHook) Fire(entry *log.Entry) error {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	h.hub.Publish(entry.Level.String(), entry.Message, fields)
	return nil
}

// InstallStreaming hooks the default hub into the global logger.
func InstallStreaming() {
	log.AddHook(hubHook{hub: DefaultHub()})
}
