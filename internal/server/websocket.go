package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"attendcam/internal/camera"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// キオスクは同一オリジンで配信されるため全て許可する
	CheckOrigin: func(*http.Request) bool { return true },
}

// GetEvents はセッション状態の変化をWebSocketで通知する
func (h *KioskHandler) GetEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocketのアップグレードに失敗しました", "error", err)
		return
	}

	events, cancel := h.session.Subscribe()
	h.logger.Debug("イベント購読を開始しました", "remote", c.Request.RemoteAddr)

	// 接続直後に現在の状態を送る
	status := h.session.Status()
	initial := camera.Event{
		State:    status.State,
		DeviceID: status.DeviceID,
		Hidden:   status.Hidden,
		Time:     time.Now(),
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		readPump(conn)
	}()

	writePump(conn, initial, events, closed, h.closing)
	cancel()
	_ = conn.Close()
	<-closed
}

// writePump はイベントと定期的なpingを送信する
func writePump(conn *websocket.Conn, initial camera.Event, events <-chan camera.Event, closed, shutdown <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	if writeEvent(conn, initial) != nil {
		return
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if writeEvent(conn, event) != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-shutdown:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			return

		case <-closed:
			return
		}
	}
}

// readPump はクライアントからの切断とpongを処理する
func readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event camera.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
