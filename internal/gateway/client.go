package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"supportgw/internal/chat"
	"supportgw/internal/session"
)

// ErrNotConnected is returned by operations that need a live transport.
// Sending while disconnected is a deliberate no-op: no local state is
// touched and nothing is queued for later.
var ErrNotConnected = errors.New("gateway: not connected")

// State is the lifecycle of the logical connection.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateErroring   State = "erroring"
)

// Config configures a gateway client.
type Config struct {
	// URL of the gateway socket endpoint. http/https schemes are rewritten
	// to ws/wss.
	URL     string
	Session session.Session
	// SupportView tags join intents and outbound messages as coming from
	// the support-agent side of the conversation.
	SupportView bool
	Reconnect   ReconnectPolicy
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Client is the gateway connection owner: it dials with the session token,
// runs the join protocol, decodes inbound events and fans them out to
// handlers. One Client serves one Session; a token rotation means Close and
// construct a new Client, which is what guarantees listener release on every
// session change.
type Client struct {
	cfg    Config
	log    *slog.Logger
	disp   *dispatcher
	recon  *reconnector
	userID string

	mu     sync.Mutex
	conn   *Conn
	state  State
	closed bool
	done   chan struct{}
	joined map[string]struct{} // conversation ids to (re)join; "" is the self keyed widget channel
}

// NewClient validates the session and prepares a client. It does not dial;
// a session without a token fails here so the caller can treat connection
// as a no-op.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("gateway: url is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		log:    log,
		disp:   &dispatcher{},
		recon:  newReconnector(cfg.Reconnect),
		userID: cfg.Session.UserID,
		state:  StateClosed,
		done:   make(chan struct{}),
		joined: make(map[string]struct{}),
	}, nil
}

// Handler registration. Handlers run on the read goroutine, in transport
// order. Registration after Close is a no-op because Close detaches the
// dispatcher for good.

func (c *Client) register(add func(*dispatcher)) {
	c.disp.mu.Lock()
	defer c.disp.mu.Unlock()
	if c.disp.detached {
		return
	}
	add(c.disp)
}

func (c *Client) OnHistory(h func(HistoryEvent)) {
	c.register(func(d *dispatcher) { d.onHistory = append(d.onHistory, h) })
}

func (c *Client) OnMessage(h func(MessageEvent)) {
	c.register(func(d *dispatcher) { d.onMessage = append(d.onMessage, h) })
}

func (c *Client) OnRead(h func(ReadEvent)) {
	c.register(func(d *dispatcher) { d.onRead = append(d.onRead, h) })
}

func (c *Client) OnTyping(h func(TypingEvent)) {
	c.register(func(d *dispatcher) { d.onTyping = append(d.onTyping, h) })
}

func (c *Client) OnExpressOrder(h func(ExpressOrderEvent)) {
	c.register(func(d *dispatcher) { d.onExpressOrder = append(d.onExpressOrder, h) })
}

func (c *Client) OnTicket(h func(TicketEvent)) {
	c.register(func(d *dispatcher) { d.onTicket = append(d.onTicket, h) })
}

func (c *Client) OnConnected(h func()) {
	c.register(func(d *dispatcher) { d.onConnected = append(d.onConnected, h) })
}

func (c *Client) OnDisconnected(h func(err error)) {
	c.register(func(d *dispatcher) { d.onDisconnected = append(d.onDisconnected, h) })
}

func (c *Client) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.register(func(d *dispatcher) { d.onReconnecting = append(d.onReconnecting, h) })
}

// BindStore wires the standard reducer chain: history and messages into the
// store, arrivals into the unread counter, typing relays into the indicator
// set. unread and indicators may be nil for surfaces that do not need them.
func (c *Client) BindStore(store *chat.Store, unread *chat.UnreadCounter, indicators *chat.TypingIndicators) {
	c.OnHistory(func(e HistoryEvent) {
		store.ApplyHistory(e.ConversationID, e.Messages)
	})
	c.OnMessage(func(e MessageEvent) {
		if store.ApplyMessage(e.Message) && unread != nil {
			unread.Observe(e.Message)
		}
	})
	c.OnRead(func(e ReadEvent) {
		store.ApplyRead(e.ConversationID, e.UserID)
	})
	if indicators != nil {
		c.OnTyping(func(e TypingEvent) {
			if e.UserID == c.userID {
				return
			}
			indicators.Apply(e.ConversationID, e.UserID, e.IsTyping)
		})
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the gateway with the session token on the handshake and the
// user id as a connection-scope query parameter, then replays the join
// protocol for every tracked conversation.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	wsURL, err := c.dialURL()
	if err != nil {
		c.setState(StateClosed)
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Session.Token)

	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		c.setState(StateClosed)
		return fmt.Errorf("gateway: dial: %w", err)
	}

	conn := newConn(ws)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.CloseNormalClosure, "client closed")
		return ErrConnClosed
	}
	c.conn = conn
	c.state = StateOpen
	rejoin := make([]string, 0, len(c.joined))
	for id := range c.joined {
		rejoin = append(rejoin, id)
	}
	c.mu.Unlock()

	c.recon.markConnected()
	c.log.Info("gateway connected", "conn_id", conn.ID, "user_id", c.userID)
	c.disp.emitConnected()

	for _, id := range rejoin {
		if err := c.emitJoin(conn, id); err != nil {
			c.log.Warn("rejoin failed", "conversation_id", id, "error", err)
		}
	}

	go c.readLoop(conn)
	return nil
}

// Join subscribes to a conversation's event stream. The empty id joins the
// user-keyed widget channel. Joining is idempotent from the caller's view:
// the server owns channel membership and a re-emit is always safe, and the
// history replay it triggers replaces rather than duplicates local state.
func (c *Client) Join(conversationID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.joined[conversationID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Tracked for replay once Connect succeeds.
		return nil
	}
	return c.emitJoin(conn, conversationID)
}

// SendMessage performs an optimistic send: it returns the local message,
// tagged with a fresh client id, for immediate display. The server echo of
// the same client id reconciles with that message instead of duplicating
// it. While disconnected this is a no-op and returns ErrNotConnected.
func (c *Client) SendMessage(conversationID, content string, isImage bool) (chat.Message, error) {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if conn == nil || !open {
		return chat.Message{}, ErrNotConnected
	}

	msg := chat.Message{
		ClientID:        uuid.NewString(),
		ConversationID:  conversationID,
		SenderID:        c.userID,
		IsSenderSupport: c.cfg.SupportView,
		Content:         content,
		IsImage:         isImage,
		SentAt:          time.Now().UTC(),
	}

	payload, err := EncodeEnvelope(EventSupportMessage, SendPayload{
		UserID:          c.userID,
		ConversationID:  conversationID,
		ClientID:        msg.ClientID,
		Content:         content,
		IsSenderSupport: c.cfg.SupportView,
		IsImage:         isImage,
	})
	if err != nil {
		return chat.Message{}, err
	}
	if err := conn.Send(payload); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// Typing broadcasts composing state for one conversation. Fire and forget;
// a dropped signal is covered by the receive-side expiry.
func (c *Client) Typing(conversationID string, isTyping bool) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	payload, err := EncodeEnvelope(EventTyping, TypingPayload{
		ConversationID: conversationID,
		UserID:         c.userID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return err
	}
	return conn.Send(payload)
}

// Close tears the client down: every handler is detached and the transport
// closed, so no state update can happen afterwards regardless of what the
// server still emits. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	c.disp.detach()
	if conn != nil {
		conn.Close(websocket.CloseNormalClosure, "client closed")
	}
}

func (c *Client) emitJoin(conn *Conn, conversationID string) error {
	payload, err := EncodeEnvelope(EventJoin, JoinPayload{
		UserID:         c.userID,
		ConversationID: conversationID,
		IsSupportChat:  c.cfg.SupportView,
	})
	if err != nil {
		return err
	}
	return conn.Send(payload)
}

func (c *Client) readLoop(conn *Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			conn.Close(websocket.CloseGoingAway, "read failed")

			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			if !closed {
				c.state = StateErroring
			}
			c.mu.Unlock()

			if closed {
				return
			}

			c.log.Warn("gateway read failed", "conn_id", conn.ID, "error", err)
			c.disp.emitDisconnected(err)

			if c.recon.shouldReconnect() {
				go c.reconnectLoop()
			} else {
				c.setState(StateClosed)
			}
			return
		}

		ev, err := DecodeEvent(env)
		if err != nil {
			// Malformed frames are rejected instead of merged unvalidated.
			c.log.Warn("dropping event", "event", env.Event, "error", err)
			continue
		}

		switch e := ev.(type) {
		case ExpressOrderEvent:
			c.log.Info("express order created", "order_id", e.OrderID)
		case TicketEvent:
			c.log.Info("support ticket created", "user_id", e.UserID)
		}

		c.disp.dispatch(ev)
	}
}

func (c *Client) reconnectLoop() {
	for {
		delay := c.recon.nextDelay()
		c.disp.emitReconnecting(c.recon.attempt, delay)
		c.log.Info("gateway reconnecting", "attempt", c.recon.attempt, "delay", delay)

		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrConnClosed) {
			return
		}
		if !c.recon.shouldReconnect() {
			c.log.Warn("gateway reconnect attempts exhausted", "error", err)
			c.setState(StateClosed)
			return
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if !c.closed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("gateway: parse url: %w", err)
	}
	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	case u.Scheme == "ws" || u.Scheme == "wss":
	default:
		return "", fmt.Errorf("gateway: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("userId", c.userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
