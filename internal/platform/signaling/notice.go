package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Notice is a UI-facing message pushed to a browser over its notice socket.
type Notice struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Recover   string    `json:"recover,omitempty"`
	State     string    `json:"state,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Token     string    `json:"token,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one browser socket bound to an identity key.
type Client struct {
	ID   string
	Key  string
	Send chan []byte
	conn Conn
}

// Notices fans notices out to every socket an identity has open.
type Notices struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewNotices(logger zerolog.Logger) *Notices {
	return &Notices{
		logger:  logger.With().Str("component", "notices").Logger(),
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (n *Notices) Register(c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.clients[c.Key] == nil {
		n.clients[c.Key] = make(map[*Client]struct{})
	}
	n.clients[c.Key][c] = struct{}{}
}

// Unregister removes the client and closes its Send channel.
func (n *Notices) Unregister(c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.clients[c.Key]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(n.clients, c.Key)
	}
	close(c.Send)
}

// Notify pushes notice to every socket open for key. Slow sockets miss it.
func (n *Notices) Notify(key string, notice Notice) {
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(notice)
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to marshal notice")
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for c := range n.clients[key] {
		select {
		case c.Send <- data:
		default:
		}
	}
}

// Disconnect closes every socket open for key.
func (n *Notices) Disconnect(key string) {
	n.mu.RLock()
	var conns []Conn
	for c := range n.clients[key] {
		if c.conn != nil {
			conns = append(conns, c.conn)
		}
	}
	n.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (n *Notices) ClientCount(key string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients[key])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Serve upgrades the request and attaches the socket to key. The caller has
// already authenticated the request. Inbound frames are discarded; the
// socket is push-only.
func (n *Notices) Serve(w http.ResponseWriter, r *http.Request, key string, allowOrigin func(*http.Request) bool) error {
	up := upgrader
	up.CheckOrigin = allowOrigin
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Client{
		ID:   uuid.NewString(),
		Key:  key,
		Send: make(chan []byte, 64),
		conn: &gorillaConnAdapter{ws},
	}
	n.Register(c)

	go n.writePump(c)
	go n.readPump(c)
	return nil
}

func (n *Notices) readPump(c *Client) {
	defer func() {
		n.Unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (n *Notices) writePump(c *Client) {
	defer c.conn.Close()
	for msg := range c.Send {
		if err := c.conn.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
			return
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
