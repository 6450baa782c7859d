package transport

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn makes a websocket.Conn a plain byte stream. Each Write is
// sent as one binary message, and Read runs across message boundaries, so
// records can be framed over it like over TCP.
type WebSocketConn struct {
	*websocket.Conn
	writeM sync.Mutex
	// rest of the message being read
	r io.Reader
}

func (ws *WebSocketConn) Write(data []byte) (int, error) {
	ws.writeM.Lock()
	err := ws.WriteMessage(websocket.BinaryMessage, data)
	ws.writeM.Unlock()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (ws *WebSocketConn) Read(buf []byte) (n int, err error) {
	for {
		if ws.r == nil {
			var t int
			t, ws.r, err = ws.NextReader()
			if err != nil {
				return 0, err
			}
			if t != websocket.BinaryMessage {
				ws.r = nil
				continue
			}
		}
		n, err = ws.r.Read(buf)
		if err == io.EOF {
			ws.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return
	}
}

func (ws *WebSocketConn) Close() error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return ws.Conn.Close()
}

func (ws *WebSocketConn) SetDeadline(t time.Time) error {
	if err := ws.SetReadDeadline(t); err != nil {
		return err
	}
	return ws.SetWriteDeadline(t)
}

// DialWebSocket opens a WebSocket connection to url.
func DialWebSocket(url string) (*WebSocketConn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocketConn{Conn: c}, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufLen,
	WriteBufferSize: readBufLen,
}

// UpgradeWebSocket completes the WebSocket handshake of an HTTP request.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocketConn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocketConn{Conn: c}, nil
}
