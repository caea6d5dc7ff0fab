package signal

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWire struct {
	conn *websocket.Conn
}

func (w *wsWire) ReadFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsWire) WriteFrame(b []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func (w *wsWire) SetReadDeadline(t time.Time) error { return w.conn.SetReadDeadline(t) }
func (w *wsWire) Close() error                       { return w.conn.Close() }
func (w *wsWire) RemoteAddr() net.Addr               { return w.conn.RemoteAddr() }

// HandleWS upgrades the request and serves it as a control connection.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(int64(ctl.readLimit))
	log.Info().Str("module", "signal").Str("remote", ws.RemoteAddr().String()).Msg("new WS connection")
	ctl.serve(ctx, &wsWire{conn: ws})
}
