package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"attendcam/internal/autoscan"
	"attendcam/internal/camera/gocvsource"
	"attendcam/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "キオスクサーバーを起動する",
	Long: `キオスク画面と API を提供する HTTP サーバーを起動します。

Examples:
  # 既定の設定で起動
  attendcam serve

  # ポートと起動時のカメラを指定
  attendcam serve --port 9000 --device /dev/video2

  # 自動スキャンを有効にして起動
  attendcam serve --autoscan`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "待ち受けポート (0 は設定値を使用)")
	serveCmd.Flags().String("host", "", "待ち受けホスト")
	serveCmd.Flags().String("device", "", "起動時に開始するカメラ (空の場合は設定値を使用)")
	serveCmd.Flags().Bool("autoscan", false, "自動スキャンを有効にする")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Server.Host = host
	}
	if port := mustGetInt(cmd, "port"); port != 0 {
		cfg.Server.Port = port
	}
	if mustGetBool(cmd, "autoscan") {
		cfg.Autoscan.Enabled = true
	}

	session, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	client, err := newAttendanceClient(cfg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()

	if health, err := client.Health(ctx); err != nil {
		logger.Warn("出席サービスに接続できません", "url", client.BaseURL(), "error", err)
	} else if !health.Healthy() {
		logger.Warn("出席サービスが正常ではありません", "status", health.Status, "components", health.Components)
	}

	// 顔検出ゲートはカスケードが指定された場合のみ使う
	var gate autoscan.FaceGate
	if cfg.Autoscan.Cascade != "" {
		detector, err := gocvsource.NewFaceDetector(cfg.Autoscan.Cascade)
		if err != nil {
			return fmt.Errorf("顔検出器の初期化に失敗しました: %w", err)
		}
		defer detector.Close()
		gate = detector
	}

	scanner := autoscan.NewScanner(session, client, gate, logger, cfg.Autoscan)

	device := cfg.Camera.Device
	if flagDevice := mustGetString(cmd, "device"); flagDevice != "" {
		device = flagDevice
	}
	if device != "" {
		if err := session.Start(ctx, device); err != nil {
			// カメラが使えなくてもキオスクから再試行できるよう起動は続ける
			logger.Error("カメラの開始に失敗しました", "device", device, "error", err)
		}
	}

	if cfg.Autoscan.Enabled {
		if err := scanner.Start(ctx); err != nil {
			return fmt.Errorf("自動スキャンの開始に失敗しました: %w", err)
		}
	}

	srv := server.New(cfg, session, client, scanner, logger)
	return srv.Start(ctx)
}
