package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/wonderhq/wonder/pkg/coordinator"
)

const (
	wsReadDeadline  = 60 * time.Second
	wsPingInterval  = 30 * time.Second
	wsWriteDeadline = 10 * time.Second
	wsOutboundDepth = 256
)

// clientMessage is a frame from the client. Op is "subscribe" or
// "unsubscribe". ID names the subscription on the client's terms and is
// echoed on every frame for it; when omitted the server assigns one.
// Filters match top-level event payload fields by equality.
type clientMessage struct {
	Op      string         `json:"op"`
	ID      string         `json:"id,omitempty"`
	Stream  string         `json:"stream,omitempty"`
	RunID   string         `json:"runId,omitempty"`
	Types   []string       `json:"types,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
}

// serverMessage is a frame to the client. Type is "subscribed",
// "unsubscribed", "event", or "error".
type serverMessage struct {
	Type  string             `json:"type"`
	ID    string             `json:"id,omitempty"`
	Event *coordinator.Event `json:"event,omitempty"`
	Error string             `json:"error,omitempty"`
}

// streamHandler upgrades /v1/streams requests and bridges hub
// subscriptions onto WebSocket connections.
type streamHandler struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*streamConn]struct{}
	done  chan struct{}
	once  sync.Once
}

func newStreamHandler(coord *coordinator.Coordinator, logger *slog.Logger) *streamHandler {
	return &streamHandler{
		coord:  coord,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: map[*streamConn]struct{}{},
		done:  make(chan struct{}),
	}
}

func (h *streamHandler) handle(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	conn := &streamConn{
		handler:  h,
		ws:       ws,
		outbound: make(chan serverMessage, wsOutboundDepth),
		subs:     map[string]*coordinator.Subscription{},
		closed:   make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("stream connection established", "remote", ws.RemoteAddr().String())
	go conn.writeLoop()
	go conn.readLoop()
	return nil
}

// close shuts every live connection down.
func (h *streamHandler) close() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	conns := make([]*streamConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

func (h *streamHandler) remove(c *streamConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// streamConn is one WebSocket client. The reader owns subs; the writer
// goroutine owns all writes to the socket.
type streamConn struct {
	handler  *streamHandler
	ws       *websocket.Conn
	outbound chan serverMessage

	mu   sync.Mutex
	subs map[string]*coordinator.Subscription

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *streamConn) readLoop() {
	defer c.shutdown()

	c.ws.SetReadDeadline(time.Now().Add(wsReadDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.logger.Debug("stream read error", "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.send(serverMessage{Type: "error", Error: "malformed message"})
			continue
		}
		c.dispatch(msg)
	}
}

func (c *streamConn) dispatch(msg clientMessage) {
	switch msg.Op {
	case "subscribe":
		c.subscribe(msg)
	case "unsubscribe":
		c.unsubscribe(msg.ID)
	default:
		c.send(serverMessage{Type: "error", ID: msg.ID, Error: "unknown op"})
	}
}

func (c *streamConn) subscribe(msg clientMessage) {
	stream := coordinator.Stream(msg.Stream)
	if stream == "" {
		stream = coordinator.StreamEvents
	}
	if stream != coordinator.StreamEvents && stream != coordinator.StreamTrace {
		c.send(serverMessage{Type: "error", ID: msg.ID, Error: "unknown stream"})
		return
	}

	filter := coordinator.Filter{RunID: msg.RunID, Payload: msg.Filters}
	for _, t := range msg.Types {
		filter.Types = append(filter.Types, coordinator.EventType(t))
	}

	sub := c.handler.coord.Subscribe(stream, filter)
	id := msg.ID
	if id == "" {
		id = sub.ID()
	}
	c.mu.Lock()
	if _, taken := c.subs[id]; taken {
		c.mu.Unlock()
		c.handler.coord.Unsubscribe(sub.ID())
		c.send(serverMessage{Type: "error", ID: id, Error: "subscription id already in use"})
		return
	}
	c.subs[id] = sub
	c.mu.Unlock()

	c.send(serverMessage{Type: "subscribed", ID: id})
	go c.pump(id, sub)
}

func (c *streamConn) unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if !ok {
		c.send(serverMessage{Type: "error", ID: id, Error: "unknown subscription"})
		return
	}
	c.handler.coord.Unsubscribe(sub.ID())
	c.send(serverMessage{Type: "unsubscribed", ID: id})
}

// pump forwards one subscription's events until the hub closes it or the
// connection dies. Frames carry the client-facing subscription id.
func (c *streamConn) pump(id string, sub *coordinator.Subscription) {
	for ev := range sub.Events() {
		e := ev
		select {
		case c.outbound <- serverMessage{Type: "event", ID: id, Event: &e}:
		case <-c.closed:
			return
		}
	}
	// The hub dropped us for falling behind, or the subscription was
	// removed. Tell the client either way.
	if sub.Dropped() {
		c.send(serverMessage{Type: "error", ID: id, Error: "subscription dropped: consumer too slow"})
	}
}

func (c *streamConn) send(msg serverMessage) {
	select {
	case c.outbound <- msg:
	case <-c.closed:
	}
}

func (c *streamConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer c.shutdown()

	for {
		select {
		case <-c.closed:
			return
		case <-c.handler.done:
			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second),
			)
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteDeadline)); err != nil {
				return
			}
		case msg := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// shutdown tears the connection down once: hub subscriptions first so the
// pumps exit, then the socket.
func (c *streamConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		subs := make([]*coordinator.Subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.subs = map[string]*coordinator.Subscription{}
		c.mu.Unlock()
		for _, sub := range subs {
			c.handler.coord.Unsubscribe(sub.ID())
		}
		c.ws.Close()
		c.handler.remove(c)
	})
}
