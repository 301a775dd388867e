package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"attendcam/internal/camera"
)

// streamQuality はMJPEG配信時のJPEG品質
const streamQuality = 0.7

// GetStream は現在のセッションをMJPEGストリームとして配信する
func (h *KioskHandler) GetStream(c *gin.Context) {
	if h.session.State() != camera.StateActive {
		h.respondError(c, http.StatusConflict, string(camera.KindNotReady), "カメラが起動していません")
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	ticker := time.NewTicker(frameInterval(h.config.Camera.FrameRate))
	defer ticker.Stop()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		case <-h.closing:
			return
		case <-ticker.C:
		}

		if h.session.State() != camera.StateActive {
			return
		}

		snapshot, err := h.session.Capture(camera.FormatJPEG, streamQuality)
		if err != nil {
			// 非表示中や準備中はフレームを送らずに待つ
			continue
		}

		if err := writePart(writer, snapshot.Data); err != nil {
			return
		}

		// バッファをフラッシュ
		flusher.Flush()
	}
}

// writePart はMJPEGの1フレーム分を書き込む
func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// frameInterval はフレームレートから配信間隔を求める
func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 10
	}
	return time.Second / time.Duration(fps)
}
