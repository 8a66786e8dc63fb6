package mq

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	Subprotocols:    []string{"mqtt"},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// bindWebSocketListener starts an HTTP server speaking the "mqtt"
// WebSocket sub-protocol (MQTT-6.0.0-3) and upgrades every connection to
// a net.Conn-compatible wrapper before handing it to the same
// handleConnection path TCP/TLS listeners use.
func (b *Broker) bindWebSocketListener(addr string) (*frontendListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &StorageTransientError{Message: "failed to bind websocket listener " + addr, Parent: err}
	}
	fl := &frontendListener{ln: ln, broker: b}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		go b.handleConnection(newWSConn(conn))
	})
	srv := &http.Server{Handler: mux}
	fl.httpServer = srv
	return fl, nil
}

// wsConn adapts a *websocket.Conn to the net.Conn interface Session's
// read/write loops expect, framing each Write as one binary WebSocket
// message (required by MQTT-6.0.0-2) and buffering partial Reads across
// message boundaries.
type wsConn struct {
	*websocket.Conn
	readBuf []byte
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{Conn: c}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.readBuf = data
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
