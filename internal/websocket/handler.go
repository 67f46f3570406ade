package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// GET /ws  (JWT middleware 注入 player)
func ServeWS(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		player := c.GetString("player")
		if player == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing player identity"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		client := &Client{
			PlayerID: player,
			Conn:     conn,
			Send:     make(chan OutgoingMessage, 64),
			Hub:      hub,
		}

		// hub 已关闭时不再登记，避免协程永久阻塞
		select {
		case hub.register <- client:
		case <-hub.quit:
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
