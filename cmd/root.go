package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"attendcam/internal/config"
	"attendcam/internal/log"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "attendcam",
	Short: "顔認識出席システムのカメラキオスク",
	Long: `attendcam はカメラを管理し、撮影した画像を顔認識出席サービスへ送信します。

キオスク画面を配信する HTTP サーバーと、デバイス一覧・撮影・登録・
認識・出席照会を行うサブコマンドを提供します。`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute はルートコマンドを実行する
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// 設定の読み込み前に失敗した場合も既定のロガーで標準エラーへ出す
		log.L().Error("コマンドの実行に失敗しました", "error", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "設定ファイルのパス (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
}

func initConfig() {
	// .env は任意
	_ = godotenv.Load()
}

// setup は設定を読み込みロガーを初期化する
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	return cfg, log.Init(cfg.Log.Level, cfg.Log.Format), nil
}
