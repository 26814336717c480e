package chat

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	// Clients are not browsers bound to an origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) startWebSocket() error {
	ln, err := net.Listen("tcp", s.cfg.WebSocketAddr)
	if err != nil {
		return err
	}
	s.wsListener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server error", "error", err)
		}
	}()

	s.logger.Info("websocket endpoint started", "addr", ln.Addr().String(), "path", "/ws")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.logger.Info("client connected", "addr", ws.RemoteAddr().String(), "transport", "websocket")
	s.serveConn(newWSConn(ws))
}

// wsConn adapts a WebSocket to net.Conn so the line-oriented session code
// serves both transports. Each text message carries exactly one envelope.
type wsConn struct {
	ws      *websocket.Conn
	readMu  sync.Mutex
	readBuf bytes.Buffer
	writeMu sync.Mutex
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readBuf.Len() == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.TextMessage {
			return 0, io.ErrUnexpectedEOF
		}
		c.readBuf.Write(data)
		if len(data) == 0 || data[len(data)-1] != '\n' {
			c.readBuf.WriteByte('\n')
		}
	}
	return c.readBuf.Read(b)
}

// Write splits the stream on newlines and sends each complete line as one
// text message. A partial trailing line waits for the rest of its bytes.
func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.pending = append(c.pending, b...)
	for {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, c.pending[:i]); err != nil {
			return 0, err
		}
		c.pending = c.pending[i+1:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	} else {
		c.pending = append([]byte(nil), c.pending...)
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
