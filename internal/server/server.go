package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"attendcam/internal/attendance"
	"attendcam/internal/autoscan"
	"attendcam/internal/camera"
	"attendcam/internal/config"
)

// shutdownTimeout はグレースフルシャットダウンの待機時間
const shutdownTimeout = 5 * time.Second

// Attendance はサーバーが利用する出席サービスの操作
type Attendance interface {
	Health(ctx context.Context) (*attendance.Health, error)
	SystemStatus(ctx context.Context) (*attendance.SystemStatus, error)
	TodayAttendance(ctx context.Context) (*attendance.TodayAttendance, error)
	AttendanceByDate(ctx context.Context, date string) (*attendance.DateAttendance, error)
	Stats(ctx context.Context) (*attendance.Stats, error)
	Students(ctx context.Context) ([]attendance.Student, error)
	Register(ctx context.Context, req attendance.RegisterRequest) (*attendance.RegisterResult, error)
	Recognize(ctx context.Context, image string) (*attendance.RecognizeResult, error)
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	session    *camera.SessionManager
	scanner    *autoscan.Scanner // 自動スキャンが無効な場合は nil
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	handler    *KioskHandler
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, session *camera.SessionManager, service Attendance, scanner *autoscan.Scanner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config:  cfg,
		session: session,
		scanner: scanner,
		logger:  logger,
		engine:  engine,
		handler: &KioskHandler{
			config:     cfg,
			session:    session,
			attendance: service,
			scanner:    scanner,
			logger:     logger,
			closing:    make(chan struct{}),
		},
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s.setupRoutes()
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := s.handler

	// キオスク画面
	s.engine.GET("/", h.Index)
	if static, err := staticFS(); err == nil {
		s.engine.StaticFS("/static", static)
	} else {
		s.logger.Warn("静的ファイルを配信できません", "error", err)
	}

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", h.HealthCheck)

	api := s.engine.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/devices", h.GetDevices)

	// カメラセッション
	session := api.Group("/session")
	session.POST("/start", h.StartSession)
	session.POST("/stop", h.StopSession)
	session.POST("/switch", h.SwitchDevice)
	session.POST("/visibility", h.SetVisibility)
	session.GET("/snapshot", h.GetSnapshot)
	session.GET("/stream", h.GetStream)
	session.GET("/events", h.GetEvents)

	// 出席サービス
	api.POST("/register", h.Register)
	api.POST("/recognize", h.Recognize)
	api.GET("/students", h.GetStudents)
	api.GET("/attendance/today", h.GetTodayAttendance)
	api.GET("/attendance/date/:date", h.GetAttendanceByDate)
	api.GET("/stats", h.GetStats)
	api.GET("/system/status", h.GetSystemStatus)

	// 自動スキャン
	api.GET("/autoscan", h.GetAutoscan)
	api.POST("/autoscan/start", h.StartAutoscan)
	api.POST("/autoscan/stop", h.StopAutoscan)
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve は指定したリスナーでサーバーを起動し、停止要求を待つ
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// 自動スキャンとカメラセッションも停止してハードウェアを解放する
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if s.scanner != nil {
		if err := s.scanner.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("自動スキャンの停止に失敗: %w", err))
		}
	}

	// ストリーミング中の接続を先に終わらせる
	s.handler.shutdown()
	if err := s.session.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("カメラの停止に失敗: %w", err))
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストをslogで記録するミドルウェア
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "リクエスト",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
