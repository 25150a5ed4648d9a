package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/web3"
)

const writeWait = 5 * time.Second

// Stream upgrades to a websocket and pushes every published snapshot as JSON,
// starting with the current one.
func (h *Handler) Stream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: h.origins.check,
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("[http] ws upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	snaps, unsubscribe := h.session.Subscribe()
	log.Info("[http] stream client connected", "client", id, "remote", c.Request.RemoteAddr)

	go writePump(conn, snaps)

	// The read side only detects the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	unsubscribe()
	log.Info("[http] stream client disconnected", "client", id)
}

func writePump(conn *websocket.Conn, snaps <-chan web3.Snapshot) {
	defer conn.Close()
	for snap := range snaps {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
}
