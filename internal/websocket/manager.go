package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Manager fans lot change events out to the websocket clients watching each lot
type Manager struct {
	// lotID -> *sync.Map of *Client
	subscribers sync.Map

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	log *zap.Logger
}

// Client is one websocket connection watching a lot
type Client struct {
	ID    string
	LotID string
	Conn  *websocket.Conn
	Send  chan []byte

	closeOnce sync.Once
}

// BroadcastMessage is a payload for every client of a lot
type BroadcastMessage struct {
	LotID   string
	Payload []byte
}

// NewManager creates a manager; call Run to start it
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		register:   make(chan *Client),
		unregister: make(chan *Client, sendBuffer),
		broadcast:  make(chan *BroadcastMessage, sendBuffer),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run owns registration and fan-out until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(m.done)
			m.closeAll()
			return
		case client := <-m.register:
			m.registerClient(client)
		case client := <-m.unregister:
			m.unregisterClient(client)
		case message := <-m.broadcast:
			m.broadcastToLot(message.LotID, message.Payload)
		}
	}
}

// RegisterClient adds a client and starts its write pump.
// After Run has stopped the client is closed instead.
func (m *Manager) RegisterClient(client *Client) {
	select {
	case m.register <- client:
	case <-m.done:
		client.close()
		go client.writePump()
	}
}

// UnregisterClient removes a client and closes its connection
func (m *Manager) UnregisterClient(client *Client) {
	select {
	case m.unregister <- client:
	case <-m.done:
	}
}

// Broadcast queues payload for every client watching lotID.
// It is a no-op once Run has stopped.
func (m *Manager) Broadcast(lotID string, payload []byte) {
	select {
	case m.broadcast <- &BroadcastMessage{LotID: lotID, Payload: payload}:
	case <-m.done:
	}
}

func (m *Manager) registerClient(client *Client) {
	subscribers, _ := m.subscribers.LoadOrStore(client.LotID, &sync.Map{})
	subscribers.(*sync.Map).Store(client, true)

	m.log.Debug("client subscribed", zap.String("client_id", client.ID), zap.String("lot_id", client.LotID))
	go client.writePump()
}

func (m *Manager) unregisterClient(client *Client) {
	subscribers, ok := m.subscribers.Load(client.LotID)
	if !ok {
		return
	}
	if _, loaded := subscribers.(*sync.Map).LoadAndDelete(client); !loaded {
		return
	}
	client.close()
	m.log.Debug("client unsubscribed", zap.String("client_id", client.ID), zap.String("lot_id", client.LotID))
}

func (m *Manager) broadcastToLot(lotID string, payload []byte) {
	subscribers, ok := m.subscribers.Load(lotID)
	if !ok {
		return
	}

	count := 0
	var slow []*Client
	subscribers.(*sync.Map).Range(func(key, _ any) bool {
		client := key.(*Client)
		select {
		case client.Send <- payload:
			count++
		default:
			// a full buffer means the client stopped reading
			slow = append(slow, client)
		}
		return true
	})
	for _, client := range slow {
		m.log.Warn("dropping slow client", zap.String("client_id", client.ID), zap.String("lot_id", lotID))
		m.unregisterClient(client)
	}

	m.log.Debug("broadcast", zap.String("lot_id", lotID), zap.Int("clients", count))
}

func (m *Manager) closeAll() {
	m.subscribers.Range(func(_, subscribers any) bool {
		subscribers.(*sync.Map).Range(func(key, _ any) bool {
			key.(*Client).close()
			return true
		})
		return true
	})
}

// GetSubscriberCount returns the number of clients watching a lot
func (m *Manager) GetSubscriberCount(lotID string) int {
	subscribers, ok := m.subscribers.Load(lotID)
	if !ok {
		return 0
	}
	count := 0
	subscribers.(*sync.Map).Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// writePump copies Send to the connection and keeps it alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client input and unregisters on disconnect.
// Observers are read-only.
func (c *Client) readPump(m *Manager) {
	defer m.UnregisterClient(c)

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.log.Debug("websocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}
