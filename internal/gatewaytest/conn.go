package gatewaytest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"supportgw/internal/gateway"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// serverConn coordinates outbound writes to one client via a buffered
// channel and a single writer goroutine.
type serverConn struct {
	id     string
	userID string

	ws     *websocket.Conn
	sendCh chan []byte
	once   sync.Once
	closed chan struct{}
}

func newServerConn(userID string, ws *websocket.Conn) *serverConn {
	c := &serverConn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		sendCh: make(chan []byte, 128),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *serverConn) send(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("gatewaytest: connection closed")
	case c.sendCh <- payload:
		return nil
	default:
		c.close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("gatewaytest: send buffer exceeded")
	}
}

func (c *serverConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func decodeEnvelope(data []byte) (gateway.Envelope, error) {
	var env gateway.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return gateway.Envelope{}, err
	}
	return env, nil
}

func unmarshal(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}
