package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	t.Setenv(ConfigEnv, "")

	// 設定を読み込む
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// 基本的な設定値を検証
	if cfg == nil {
		t.Fatal("設定がnilです")
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	// カメラ設定の検証
	if cfg.Camera.AcquireTimeout != 5*time.Second {
		t.Errorf("取得タイムアウトのデフォルトが5秒ではありません: %s", cfg.Camera.AcquireTimeout)
	}
	if cfg.Camera.FrameRate <= 0 {
		t.Error("デフォルトFPSが設定されていません")
	}
	if cfg.Capture.Quality <= 0 || cfg.Capture.Quality > 1 {
		t.Errorf("無効なデフォルト画質: %v", cfg.Capture.Quality)
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{
			name:      "正常な設定",
			modify:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "無効なポート番号",
			modify:    func(c *Config) { c.Server.Port = 99999 },
			expectErr: true,
		},
		{
			name:      "不明なプロバイダ",
			modify:    func(c *Config) { c.Camera.Provider = "webrtc" },
			expectErr: true,
		},
		{
			name: "デバイスのないmockプロバイダ",
			modify: func(c *Config) {
				c.Camera.Provider = ProviderMock
				c.Camera.MockDevices = nil
			},
			expectErr: true,
		},
		{
			name:      "取得タイムアウトなし",
			modify:    func(c *Config) { c.Camera.AcquireTimeout = 0 },
			expectErr: true,
		},
		{
			name:      "非対応の画像形式",
			modify:    func(c *Config) { c.Capture.Format = "gif" },
			expectErr: true,
		},
		{
			name:      "範囲外の画質",
			modify:    func(c *Config) { c.Capture.Quality = 1.5 },
			expectErr: true,
		},
		{
			name:      "無効な出席サービスURL",
			modify:    func(c *Config) { c.Attendance.URL = "localhost:5000" },
			expectErr: true,
		},
		{
			name:      "自動スキャン間隔なし",
			modify:    func(c *Config) { c.Autoscan.Interval = 0 },
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
func TestEnvironmentVariables(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("CAMERA_PROVIDER", "mock")
	t.Setenv("CAMERA_ACQUIRE_TIMEOUT", "2s")
	t.Setenv("CAPTURE_QUALITY", "0.8")
	t.Setenv("AUTOSCAN_ENABLED", "true")
	t.Setenv("ATTENDANCE_URL", "http://attendance.local:5000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("ホストが環境変数で上書きされていません: %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("ポートが環境変数で上書きされていません: %d", cfg.Server.Port)
	}
	if cfg.Camera.Provider != ProviderMock {
		t.Errorf("プロバイダが環境変数で上書きされていません: %s", cfg.Camera.Provider)
	}
	if cfg.Camera.AcquireTimeout != 2*time.Second {
		t.Errorf("取得タイムアウトが環境変数で上書きされていません: %s", cfg.Camera.AcquireTimeout)
	}
	if cfg.Capture.Quality != 0.8 {
		t.Errorf("画質が環境変数で上書きされていません: %v", cfg.Capture.Quality)
	}
	if !cfg.Autoscan.Enabled {
		t.Error("自動スキャンが環境変数で有効になっていません")
	}
	if cfg.Attendance.URL != "http://attendance.local:5000" {
		t.Errorf("出席サービスURLが環境変数で上書きされていません: %s", cfg.Attendance.URL)
	}
}

// TestLoadFile は設定ファイルの読み込みと環境変数の優先順位をテストする
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attendcam.yaml")

	content := `
server:
  port: 9090
camera:
  provider: mock
  mock_devices: [camA, camB]
  acquire_timeout: 3s
capture:
  format: png
  max_width: 640
autoscan:
  interval: 1500ms
  cascade: /usr/share/opencv4/haarcascades/haarcascade_frontalface_default.xml
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}

	t.Setenv("SERVER_PORT", "")
	t.Setenv("PORT", "")
	t.Setenv("CAMERA_PROVIDER", "")
	t.Setenv("CAPTURE_MAX_WIDTH", "320")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("ポートがファイルで上書きされていません: %d", cfg.Server.Port)
	}
	if cfg.Camera.Provider != ProviderMock || len(cfg.Camera.MockDevices) != 2 {
		t.Errorf("カメラ設定がファイルで上書きされていません: %+v", cfg.Camera)
	}
	if cfg.Camera.AcquireTimeout != 3*time.Second {
		t.Errorf("取得タイムアウトが一致しません: %s", cfg.Camera.AcquireTimeout)
	}
	if cfg.CaptureFormat() != "png" {
		t.Errorf("画像形式が一致しません: %s", cfg.CaptureFormat())
	}
	// 環境変数はファイルより優先される
	if cfg.Capture.MaxWidth != 320 {
		t.Errorf("最大幅が環境変数で上書きされていません: %d", cfg.Capture.MaxWidth)
	}
	if cfg.Autoscan.Interval != 1500*time.Millisecond {
		t.Errorf("自動スキャン間隔が一致しません: %s", cfg.Autoscan.Interval)
	}
	// ファイルに書かれていない値はデフォルトのまま
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("ホストのデフォルト値が失われています: %s", cfg.Server.Host)
	}
}

// TestLoadFileErrors は不正な設定ファイルをテストする
func TestLoadFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("存在しないファイルでエラーが期待されました")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("不正なYAMLでエラーが期待されました")
	}
}
