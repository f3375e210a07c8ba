// Package gatewaytest provides an in-process gateway that speaks the exact
// wire contract of the production realtime server. It backs the client test
// suite and the chatcli --local development mode; it is not the production
// backend, which stays outside this repository.
package gatewaytest

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"supportgw/internal/chat"
	"supportgw/internal/gateway"
)

// AuthFunc validates a handshake. Returning false rejects the upgrade.
type AuthFunc func(token, userID string) bool

// Option customizes Server construction.
type Option func(*Server)

// WithAuth installs a handshake validator. The default accepts any
// non-empty bearer token.
func WithAuth(fn AuthFunc) Option {
	return func(s *Server) { s.auth = fn }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server is an in-memory support-chat gateway: one socket per user,
// conversation rooms, per-conversation history, and echo semantics that
// preserve client ids so optimistic sends reconcile.
type Server struct {
	log    *slog.Logger
	auth   AuthFunc
	engine *gin.Engine

	mu      sync.RWMutex
	conns   map[string]*serverConn            // connection id -> conn
	users   map[string]string                 // user id -> connection id
	rooms   map[string]map[string]*serverConn // channel -> connection id -> conn
	history map[string][]chat.Message         // channel -> ordered messages
}

// NewServer constructs a gateway with its socket endpoint mounted on a gin
// engine at GET /socket.
func NewServer(opts ...Option) *Server {
	s := &Server{
		log:     slog.Default(),
		auth:    func(token, _ string) bool { return token != "" },
		conns:   make(map[string]*serverConn),
		users:   make(map[string]string),
		rooms:   make(map[string]map[string]*serverConn),
		history: make(map[string][]chat.Message),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/socket", s.handleSocket())
	s.engine = engine
	return s
}

// Handler exposes the gateway for httptest or an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close terminates every tracked connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*serverConn)
	s.users = make(map[string]string)
	s.rooms = make(map[string]map[string]*serverConn)
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
}

// EmitRead relays a read receipt into a conversation room, as another
// surface of the marked-as-read user would trigger server-side.
func (s *Server) EmitRead(conversationID, userID string) {
	s.broadcast(conversationID, gateway.EventMessageRead, gateway.ReadPayload{
		ConversationID: conversationID,
		UserID:         userID,
	}, "")
}

// EmitExpressOrder pushes an express:new domain notification to one user.
func (s *Server) EmitExpressOrder(userID, orderID string) {
	s.notifyUser(userID, gateway.EventExpressNew, gateway.ExpressOrderPayload{OrderID: orderID})
}

// EmitTicket pushes a ticket:new domain notification to one user.
func (s *Server) EmitTicket(userID string) {
	s.notifyUser(userID, gateway.EventTicketNew, gateway.TicketPayload{UserID: userID})
}

// PushMessage injects a server-originated message into a conversation, the
// way an agent on another node would. The message is recorded in history and
// fanned out to the whole room.
func (s *Server) PushMessage(m chat.Message) chat.Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
	channel := m.ConversationID

	s.mu.Lock()
	s.history[channel] = append(s.history[channel], m)
	s.mu.Unlock()

	s.broadcast(channel, gateway.EventNewSupportMessage, m, "")
	return m
}

// History returns a copy of one conversation's stored messages.
func (s *Server) History(conversationID string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.history[conversationID]
	out := make([]chat.Message, len(list))
	copy(out, list)
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("userId")
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if userID == "" || !s.auth(token, userID) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid handshake"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		conn := newServerConn(userID, ws)
		s.attach(conn)
		defer func() {
			s.detach(conn)
			conn.close(websocket.CloseNormalClosure, "session closed")
		}()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.handleFrame(conn, data)
		}
	}
}

func (s *Server) handleFrame(conn *serverConn, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		s.log.Warn("gatewaytest: bad frame", "error", err)
		return
	}

	switch env.Event {
	case gateway.EventJoin:
		var p gateway.JoinPayload
		if unmarshal(env.Data, &p) != nil {
			return
		}
		channel := p.ConversationID
		if channel == "" {
			channel = p.UserID
		}
		s.join(channel, conn)
		s.sendHistory(conn, channel)
	case gateway.EventSupportMessage:
		var p gateway.SendPayload
		if unmarshal(env.Data, &p) != nil {
			return
		}
		channel := p.ConversationID
		if channel == "" {
			channel = p.UserID
		}
		msg := chat.Message{
			ID:              uuid.NewString(),
			ClientID:        p.ClientID,
			ConversationID:  channel,
			SenderID:        p.UserID,
			IsSenderSupport: p.IsSenderSupport,
			Content:         p.Content,
			IsImage:         p.IsImage,
			SentAt:          time.Now().UTC(),
		}
		s.mu.Lock()
		s.history[channel] = append(s.history[channel], msg)
		s.mu.Unlock()
		// Echo to the whole room, sender included: the authoritative copy
		// carries the server id and reconciles the optimistic append.
		s.broadcast(channel, gateway.EventNewSupportMessage, msg, "")
	case gateway.EventTyping:
		var p gateway.TypingPayload
		if unmarshal(env.Data, &p) != nil {
			return
		}
		s.broadcast(p.ConversationID, gateway.EventUserTyping, p, conn.userID)
	default:
		s.log.Warn("gatewaytest: unsupported event", "event", env.Event)
	}
}

// attach registers a connection, replacing any previous socket of the same
// user to enforce one live socket per session.
func (s *Server) attach(conn *serverConn) {
	var previous *serverConn

	s.mu.Lock()
	if existingID, ok := s.users[conn.userID]; ok {
		if existing := s.conns[existingID]; existing != nil {
			previous = existing
			s.detachLocked(existingID)
		}
	}
	s.conns[conn.id] = conn
	s.users[conn.userID] = conn.id
	s.mu.Unlock()

	if previous != nil {
		previous.close(4001, "session replaced")
	}
}

func (s *Server) detach(conn *serverConn) {
	s.mu.Lock()
	s.detachLocked(conn.id)
	s.mu.Unlock()
}

func (s *Server) detachLocked(connID string) {
	conn, ok := s.conns[connID]
	if !ok {
		return
	}
	delete(s.conns, connID)
	if current, ok := s.users[conn.userID]; ok && current == connID {
		delete(s.users, conn.userID)
	}
	for channel, room := range s.rooms {
		delete(room, connID)
		if len(room) == 0 {
			delete(s.rooms, channel)
		}
	}
}

func (s *Server) join(channel string, conn *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[conn.id]; !ok {
		return
	}
	room := s.rooms[channel]
	if room == nil {
		room = make(map[string]*serverConn)
		s.rooms[channel] = room
	}
	room[conn.id] = conn
}

func (s *Server) sendHistory(conn *serverConn, channel string) {
	s.mu.RLock()
	list := s.history[channel]
	msgs := make([]chat.Message, len(list))
	copy(msgs, list)
	s.mu.RUnlock()

	payload, err := gateway.EncodeEnvelope(gateway.EventChatHistory, map[string]any{
		"conversationId": channel,
		"messages":       msgs,
	})
	if err != nil {
		return
	}
	_ = conn.send(payload)
}

func (s *Server) broadcast(channel, event string, data any, excludeUserID string) {
	payload, err := gateway.EncodeEnvelope(event, data)
	if err != nil {
		return
	}

	s.mu.RLock()
	room := s.rooms[channel]
	targets := make([]*serverConn, 0, len(room))
	for _, conn := range room {
		if excludeUserID != "" && conn.userID == excludeUserID {
			continue
		}
		targets = append(targets, conn)
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		_ = conn.send(payload)
	}
}

func (s *Server) notifyUser(userID, event string, data any) {
	payload, err := gateway.EncodeEnvelope(event, data)
	if err != nil {
		return
	}

	s.mu.RLock()
	connID, ok := s.users[userID]
	conn := s.conns[connID]
	s.mu.RUnlock()
	if !ok || conn == nil {
		return
	}
	_ = conn.send(payload)
}
