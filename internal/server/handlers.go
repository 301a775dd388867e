package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"attendcam/internal/attendance"
	"attendcam/internal/autoscan"
	"attendcam/internal/camera"
	"attendcam/internal/config"
)

// KioskHandler はキオスクAPIのエンドポイントを実装する
type KioskHandler struct {
	config     *config.Config
	session    *camera.SessionManager
	attendance Attendance
	scanner    *autoscan.Scanner
	logger     *slog.Logger

	closeOnce sync.Once
	closing   chan struct{} // シャットダウン時にクローズ
}

// ErrorResponse はエラーレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

type visibilityRequest struct {
	Hidden *bool `json:"hidden" binding:"required"`
}

type registerRequest struct {
	NIM  string `json:"nim" binding:"required"`
	Name string `json:"name" binding:"required"`
}

// shutdown はストリーミング中のハンドラへ終了を通知する
func (h *KioskHandler) shutdown() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// Index はキオスク画面を返す
func (h *KioskHandler) Index(c *gin.Context) {
	data, err := indexHTML()
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *KioskHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *KioskHandler) GetStatus(c *gin.Context) {
	response := gin.H{
		"status": "running",
		"server": gin.H{
			"host": h.config.Server.Host,
			"port": h.config.Server.Port,
		},
		"camera": gin.H{
			"provider": h.config.Camera.Provider,
			"session":  h.session.Status(),
		},
		"timestamp": time.Now(),
	}
	if h.scanner != nil {
		response["autoscan"] = h.scanner.Status()
	}

	c.JSON(http.StatusOK, response)
}

// GetDevices はカメラ一覧取得エンドポイントの実装
func (h *KioskHandler) GetDevices(c *gin.Context) {
	devices := h.session.ListDevices(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"active":  h.session.ActiveDevice(),
	})
}

// StartSession はカメラを開始する
func (h *KioskHandler) StartSession(c *gin.Context) {
	var req deviceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	if err := h.session.Start(c.Request.Context(), req.DeviceID); err != nil {
		h.respondCameraError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.session.Status())
}

// StopSession はカメラを停止する
func (h *KioskHandler) StopSession(c *gin.Context) {
	if err := h.session.Stop(c.Request.Context()); err != nil {
		h.respondCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session.Status())
}

// SwitchDevice は別のデバイスへ切り替える
func (h *KioskHandler) SwitchDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "device_id は必須です")
		return
	}

	if err := h.session.SwitchDevice(c.Request.Context(), req.DeviceID); err != nil {
		h.respondCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session.Status())
}

// SetVisibility は画面の表示状態を反映する
func (h *KioskHandler) SetVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "hidden は必須です")
		return
	}

	h.session.SetVisibility(*req.Hidden)
	c.JSON(http.StatusOK, h.session.Status())
}

// GetSnapshot は現在のフレームを静止画として返す
func (h *KioskHandler) GetSnapshot(c *gin.Context) {
	format := h.config.CaptureFormat()
	if raw := c.Query("format"); raw != "" {
		parsed, err := camera.ParseFormat(raw)
		if err != nil {
			h.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		format = parsed
	}

	quality := h.config.Capture.Quality
	if raw := c.Query("quality"); raw != "" {
		q, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			h.respondError(c, http.StatusBadRequest, "invalid_request", "quality は数値で指定してください")
			return
		}
		quality = q
	}

	snapshot, err := h.session.Capture(format, quality)
	if err != nil {
		h.respondCameraError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("X-Device-Id", snapshot.DeviceID)
	c.Header("X-Image-Width", strconv.Itoa(snapshot.Width))
	c.Header("X-Image-Height", strconv.Itoa(snapshot.Height))
	c.Data(http.StatusOK, snapshot.Format.MIMEType(), snapshot.Data)
}

// Register は現在のフレームで学生を登録する
func (h *KioskHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "nim と name は必須です")
		return
	}

	image, ok := h.captureDataURL(c)
	if !ok {
		return
	}

	result, err := h.attendance.Register(c.Request.Context(), attendance.RegisterRequest{
		NIM:   req.NIM,
		Name:  req.Name,
		Image: image,
	})
	if err != nil {
		h.respondAttendanceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// Recognize は現在のフレームで顔認識と出席登録を行う
func (h *KioskHandler) Recognize(c *gin.Context) {
	image, ok := h.captureDataURL(c)
	if !ok {
		return
	}

	result, err := h.attendance.Recognize(c.Request.Context(), image)
	if err != nil {
		h.respondAttendanceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// GetStudents は学生一覧を中継する
func (h *KioskHandler) GetStudents(c *gin.Context) {
	students, err := h.attendance.Students(c.Request.Context())
	if err != nil {
		h.respondAttendanceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(students), "students": students})
}

// GetTodayAttendance は当日の出席一覧を中継する
func (h *KioskHandler) GetTodayAttendance(c *gin.Context) {
	result, err := h.attendance.TodayAttendance(c.Request.Context())
	if err != nil {
		h.respondAttendanceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetAttendanceByDate は指定日の出席一覧を中継する
func (h *KioskHandler) GetAttendanceByDate(c *gin.Context) {
	result, err := h.attendance.AttendanceByDate(c.Request.Context(), c.Param("date"))
	if err != nil {
		h.respondAttendanceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetStats は集計を中継する
func (h *KioskHandler) GetStats(c *gin.Context) {
	result, err := h.attendance.Stats(c.Request.Context())
	if err != nil {
		h.respondAttendanceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSystemStatus は出席サービスの稼働状態を中継する
func (h *KioskHandler) GetSystemStatus(c *gin.Context) {
	result, err := h.attendance.SystemStatus(c.Request.Context())
	if err != nil {
		h.respondAttendanceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetAutoscan は自動スキャンの状態を返す
func (h *KioskHandler) GetAutoscan(c *gin.Context) {
	if h.scanner == nil {
		h.respondError(c, http.StatusServiceUnavailable, "autoscan_unavailable", "自動スキャンは構成されていません")
		return
	}
	c.JSON(http.StatusOK, h.scanner.Status())
}

// StartAutoscan は自動スキャンを開始する
func (h *KioskHandler) StartAutoscan(c *gin.Context) {
	if h.scanner == nil {
		h.respondError(c, http.StatusServiceUnavailable, "autoscan_unavailable", "自動スキャンは構成されていません")
		return
	}
	if err := h.scanner.Start(c.Request.Context()); err != nil {
		h.respondError(c, http.StatusInternalServerError, "autoscan_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.scanner.Status())
}

// StopAutoscan は自動スキャンを停止する
func (h *KioskHandler) StopAutoscan(c *gin.Context) {
	if h.scanner == nil {
		h.respondError(c, http.StatusServiceUnavailable, "autoscan_unavailable", "自動スキャンは構成されていません")
		return
	}
	if err := h.scanner.Stop(c.Request.Context()); err != nil {
		h.respondError(c, http.StatusInternalServerError, "autoscan_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.scanner.Status())
}

// ヘルパー関数

// captureDataURL は現在のフレームを data URL として取得する
func (h *KioskHandler) captureDataURL(c *gin.Context) (string, bool) {
	snapshot, err := h.session.Capture(h.config.CaptureFormat(), h.config.Capture.Quality)
	if err != nil {
		h.respondCameraError(c, err)
		return "", false
	}
	return snapshot.DataURL(), true
}

// respondError はエラーレスポンスを返す
func (h *KioskHandler) respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// respondCameraError はカメラエラーを分類に応じたステータスで返す
func (h *KioskHandler) respondCameraError(c *gin.Context, err error) {
	var camErr *camera.CameraError
	if !errors.As(err, &camErr) {
		h.logger.Error("カメラ操作に失敗しました", "error", err)
		h.respondError(c, http.StatusInternalServerError, string(camera.KindUnknown), err.Error())
		return
	}

	h.respondError(c, cameraStatusCode(camErr.Kind), string(camErr.Kind), camErr.Message)
}

// respondAttendanceError は出席サービスのエラーを返す
func (h *KioskHandler) respondAttendanceError(c *gin.Context, err error) {
	var apiErr *attendance.APIError
	switch {
	case attendance.IsClientError(err):
		// 入力に起因するエラーは出席サービスのステータスをそのまま返す
		status, message := http.StatusBadRequest, err.Error()
		if errors.As(err, &apiErr) {
			status, message = apiErr.StatusCode, apiErr.Message
		}
		h.logger.Debug("出席サービスがリクエストを拒否しました", "status", status, "error", err)
		h.respondError(c, status, "invalid_request", message)
	case errors.As(err, &apiErr):
		status := apiErr.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		h.respondError(c, status, "attendance_error", apiErr.Message)
	default:
		h.logger.Error("出席サービスへの接続に失敗しました", "error", err)
		h.respondError(c, http.StatusBadGateway, "attendance_unreachable", err.Error())
	}
}

// cameraStatusCode はカメラエラーの分類をHTTPステータスへ変換する
func cameraStatusCode(kind camera.ErrorKind) int {
	switch kind {
	case camera.KindNotReady, camera.KindDeviceBusy:
		return http.StatusConflict
	case camera.KindPermissionDenied:
		return http.StatusForbidden
	case camera.KindDeviceNotFound:
		return http.StatusNotFound
	case camera.KindDeviceUnsupported:
		return http.StatusUnprocessableEntity
	case camera.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
