package cmd

import (
	"fmt"
	"log/slog"

	"attendcam/internal/attendance"
	"attendcam/internal/camera"
	"attendcam/internal/camera/gocvsource"
	"attendcam/internal/config"
)

// newProvider は設定に応じたキャプチャプロバイダを作成する
func newProvider(cfg *config.Config) (camera.Provider, error) {
	switch cfg.Camera.Provider {
	case config.ProviderV4L2:
		return camera.NewV4L2Provider(cfg.Camera.FFmpegPath), nil
	case config.ProviderGoCV:
		return gocvsource.NewProvider(cfg.Camera.MaxProbe), nil
	case config.ProviderX11:
		return camera.NewX11Provider(cfg.Camera.Display, cfg.Camera.FFmpegPath), nil
	case config.ProviderMock:
		return camera.NewMockProvider(cfg.Camera.MockDevices...), nil
	default:
		return nil, fmt.Errorf("未対応のプロバイダです: %s", cfg.Camera.Provider)
	}
}

// newSession はカメラセッションを作成する
func newSession(cfg *config.Config, logger *slog.Logger) (*camera.SessionManager, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	return camera.NewSessionManager(provider, nil, logger, cfg.CameraOptions()), nil
}

// newAttendanceClient は出席サービスのクライアントを作成する
func newAttendanceClient(cfg *config.Config, logger *slog.Logger) (*attendance.Client, error) {
	client, err := attendance.NewClient(cfg.Attendance.URL, cfg.Attendance.Timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("出席サービスのURLが不正です: %w", err)
	}
	return client, nil
}
