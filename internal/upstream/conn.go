package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qamd/internal/domain"

	"github.com/gorilla/websocket"
)

// Gateway frame types.
const (
	frameLogin       = "login"
	frameLoginAck    = "login_ack"
	frameSubscribe   = "subscribe"
	frameSubAck      = "sub_ack"
	frameUnsubscribe = "unsubscribe"
	frameUnsubAck    = "unsub_ack"
	frameDepth       = "depth"
	frameError       = "error"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
)

// loginRequest is the anonymous market-data login. The gateway accepts an
// empty user and password for quote-only sessions.
type loginRequest struct {
	Type     string `json:"type"`
	BrokerID string `json:"broker_id"`
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type instrumentRequest struct {
	Type         string `json:"type"`
	InstrumentID string `json:"instrument_id"`
}

// inboundFrame is the envelope for every gateway-to-session message.
type inboundFrame struct {
	Type         string           `json:"type"`
	InstrumentID string           `json:"instrument_id,omitempty"`
	ErrorID      int              `json:"error_id,omitempty"`
	ErrorMsg     string           `json:"error_msg,omitempty"`
	Data         *domain.RawDepth `json:"data,omitempty"`
}

// Conn is the narrow surface a session needs from its gateway transport.
// Tests substitute an in-memory implementation.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a gateway connection. The production dialer speaks WebSocket;
// tests inject fakes.
type Dialer func(ctx context.Context, addr string) (Conn, error)

// wsConn wraps a gorilla connection with serialized writes.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// DialGateway is the production Dialer.
func DialGateway(ctx context.Context, addr string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &wsConn{conn: conn}, nil
}
