package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Tables a client may subscribe to. Private tables require a user_id filter
// equal to the caller.
var (
	publicTables = map[string]bool{
		"listings":             true,
		"buy_orders":           true,
		"trades":               true,
		"assets":               true,
		"governance_proposals": true,
	}
	privateTables = map[string]bool{
		"notifications":     true,
		"holdings":          true,
		"drip_transactions": true,
	}

	// Party columns of public tables. They reach only a subscriber whose
	// filter pins one of them to their own id.
	partyColumns = map[string][]string{
		"trades":     {"buyer_id", "seller_id"},
		"listings":   {"seller_id"},
		"buy_orders": {"buyer_id"},
	}
)

// Request is a client control message
type Request struct {
	Op       string   `json:"op"` // subscribe, unsubscribe
	Channels []string `json:"channels"`
}

// Message is sent from the server to the client
type Message struct {
	Type      string   `json:"type"` // event, subscribed, unsubscribed, error
	Channel   string   `json:"channel,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	Event     *Event   `json:"event,omitempty"`
	Direction string   `json:"direction,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Server exposes the broker over websockets
type Server struct {
	broker   *Broker
	auth     *auth.Service
	upgrader websocket.Upgrader
}

// NewServer creates a websocket server. An empty origin list allows any origin.
func NewServer(broker *Broker, authService *auth.Service, allowedOrigins []string) *Server {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &Server{
		broker: broker,
		auth:   authService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(origins) == 0 || origins[origin]
			},
		},
	}
}

// Authorize checks that userID may receive events matching f
func Authorize(f Filter, userID string) error {
	switch {
	case publicTables[f.Table]:
		if isPartyColumn(f.Table, f.Field) && f.Value != userID {
			return fmt.Errorf("channel %s can only filter %s by your own id", f.Table, f.Field)
		}
		return nil
	case privateTables[f.Table]:
		if f.Field != "user_id" || f.Value != userID {
			return fmt.Errorf("channel %s requires user_id=eq.<your id>", f.Table)
		}
		return nil
	default:
		return fmt.Errorf("unknown channel %s", f.Table)
	}
}

func isPartyColumn(table, column string) bool {
	for _, c := range partyColumns[table] {
		if c == column {
			return true
		}
	}
	return false
}

// Redact strips party columns from e unless f pins one of them to the
// subscriber. Rows are copied; the broker shares them between subscribers.
func Redact(f Filter, e Event) Event {
	cols := partyColumns[e.Table]
	if len(cols) == 0 || isPartyColumn(e.Table, f.Field) {
		return e
	}
	e.Old = without(e.Old, cols)
	e.New = without(e.New, cols)
	return e
}

func without(row map[string]interface{}, cols []string) map[string]interface{} {
	if row == nil {
		return nil
	}
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	for _, c := range cols {
		delete(out, c)
	}
	return out
}

// Handler upgrades the request. The token comes from the Authorization header
// or, for browsers, the access_token query parameter.
func (s *Server) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("access_token")
		if h := c.GetHeader("Authorization"); token == "" && h != "" {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			return
		}

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		cl := &client{
			server: s,
			conn:   conn,
			send:   make(chan []byte, sendBufferSize),
			userID: claims.Subject,
			subs:   make(map[string]*Subscription),
			ctx:    ctx,
			logger: log.With().
				Str("component", "realtime").
				Str("user_id", claims.Subject).
				Str("remote", conn.RemoteAddr().String()).
				Logger(),
		}
		cl.logger.Info().Msg("client connected")

		go cl.writePump()
		cl.readPump()

		cancel()
		cl.logger.Info().Msg("client disconnected")
	}
}

type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	userID string
	ctx    context.Context
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

func (c *client) enqueue(m Message) {
	raw, err := json.Marshal(m)
	if err != nil {
		c.logger.Error().Err(err).Msg("marshal outbound message")
		return
	}
	select {
	case c.send <- raw:
	case <-c.ctx.Done():
	default:
		c.logger.Warn().Str("type", m.Type).Msg("send buffer full, dropping message")
	}
}

// readPump handles control messages until the connection fails
func (c *client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.enqueue(Message{Type: "error", Message: "invalid message"})
			continue
		}

		switch req.Op {
		case "subscribe":
			c.subscribe(req.Channels)
		case "unsubscribe":
			c.unsubscribe(req.Channels)
		default:
			c.enqueue(Message{Type: "error", Message: fmt.Sprintf("unknown op %q", req.Op)})
		}
	}
}

func (c *client) subscribe(channels []string) {
	var accepted []string
	for _, ch := range channels {
		f, err := ParseFilter(ch)
		if err == nil {
			err = Authorize(f, c.userID)
		}
		if err != nil {
			c.enqueue(Message{Type: "error", Channel: ch, Message: err.Error()})
			continue
		}

		c.mu.Lock()
		if _, exists := c.subs[ch]; !exists {
			sub := c.server.broker.Subscribe(c.ctx, f)
			c.subs[ch] = sub
			go c.forward(ch, sub)
		}
		c.mu.Unlock()
		accepted = append(accepted, ch)
	}
	if len(accepted) > 0 {
		c.logger.Debug().Strs("channels", accepted).Msg("subscribed")
		c.enqueue(Message{Type: "subscribed", Channels: accepted})
	}
}

func (c *client) unsubscribe(channels []string) {
	var removed []string
	c.mu.Lock()
	for _, ch := range channels {
		if sub, ok := c.subs[ch]; ok {
			sub.Close()
			delete(c.subs, ch)
			removed = append(removed, ch)
		}
	}
	c.mu.Unlock()
	c.enqueue(Message{Type: "unsubscribed", Channels: removed})
}

// forward relays one subscription until it is closed
func (c *client) forward(channel string, sub *Subscription) {
	f := sub.Filter()
	column := f.Column
	for e := range sub.Events() {
		e := Redact(f, e)
		c.enqueue(Message{
			Type:      "event",
			Channel:   channel,
			Event:     &e,
			Direction: e.Direction(column),
		})
	}
}

// writePump serializes writes and keeps the connection alive with pings
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
