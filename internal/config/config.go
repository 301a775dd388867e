package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"attendcam/internal/autoscan"
	"attendcam/internal/camera"
)

// ConfigEnv は設定ファイルのパスを指定する環境変数
const ConfigEnv = "ATTENDCAM_CONFIG"

// カメラプロバイダ名
const (
	ProviderV4L2 = "v4l2"
	ProviderGoCV = "gocv"
	ProviderMock = "mock"
	ProviderX11  = "x11"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Camera     CameraConfig     `yaml:"camera"`
	Capture    CaptureConfig    `yaml:"capture"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Autoscan   autoscan.Config  `yaml:"autoscan"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Provider string `yaml:"provider"` // v4l2 / gocv / x11 / mock
	Device   string `yaml:"device"`   // 起動時のデバイス（空ならデフォルト）

	Width     int `yaml:"width"`  // 画像幅
	Height    int `yaml:"height"` // 画像高さ
	FrameRate int `yaml:"fps"`    // フレームレート (fps)

	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // ストリーム取得のタイムアウト

	FFmpegPath  string   `yaml:"ffmpeg_path"`  // v4l2 / x11 用
	MaxProbe    int      `yaml:"max_probe"`    // gocv 用
	Display     string   `yaml:"display"`      // x11 用（空なら $DISPLAY）
	MockDevices []string `yaml:"mock_devices"` // mock 用
}

// CaptureConfig はスナップショットの設定
type CaptureConfig struct {
	Format   string  `yaml:"format"`    // jpeg / png
	Quality  float64 `yaml:"quality"`   // JPEG品質 (0, 1]
	MaxWidth int     `yaml:"max_width"` // 最大幅（0は制限なし）
}

// AttendanceConfig は出席サービスの設定
type AttendanceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // text / json
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Provider:       ProviderV4L2,
			Width:          1280,
			Height:         720,
			FrameRate:      15,
			AcquireTimeout: camera.DefaultAcquireTimeout,
			FFmpegPath:     "ffmpeg",
			MockDevices:    []string{"mock0", "mock1"},
		},
		Capture: CaptureConfig{
			Format:  string(camera.FormatJPEG),
			Quality: camera.DefaultQuality,
		},
		Attendance: AttendanceConfig{
			URL:     "http://localhost:5000",
			Timeout: 30 * time.Second,
		},
		Autoscan: autoscan.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// デフォルト値、設定ファイル、環境変数の順に上書きする
// path が空の場合は ATTENDCAM_CONFIG を参照し、それも空ならファイルは読まない
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile はYAMLファイルで設定を上書きする
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Server.Port = getEnvAsIntOrDefault("SERVER_PORT", c.Server.Port)

	c.Camera.Provider = getEnvOrDefault("CAMERA_PROVIDER", c.Camera.Provider)
	c.Camera.Device = getEnvOrDefault("CAMERA_DEVICE", c.Camera.Device)
	c.Camera.Width = getEnvAsIntOrDefault("CAMERA_WIDTH", c.Camera.Width)
	c.Camera.Height = getEnvAsIntOrDefault("CAMERA_HEIGHT", c.Camera.Height)
	c.Camera.FrameRate = getEnvAsIntOrDefault("CAMERA_FPS", c.Camera.FrameRate)
	c.Camera.AcquireTimeout = getEnvAsDurationOrDefault("CAMERA_ACQUIRE_TIMEOUT", c.Camera.AcquireTimeout)
	c.Camera.FFmpegPath = getEnvOrDefault("FFMPEG_PATH", c.Camera.FFmpegPath)
	c.Camera.Display = getEnvOrDefault("CAMERA_DISPLAY", c.Camera.Display)

	c.Capture.Format = getEnvOrDefault("CAPTURE_FORMAT", c.Capture.Format)
	c.Capture.Quality = getEnvAsFloatOrDefault("CAPTURE_QUALITY", c.Capture.Quality)
	c.Capture.MaxWidth = getEnvAsIntOrDefault("CAPTURE_MAX_WIDTH", c.Capture.MaxWidth)

	c.Attendance.URL = getEnvOrDefault("ATTENDANCE_URL", c.Attendance.URL)
	c.Attendance.Timeout = getEnvAsDurationOrDefault("ATTENDANCE_TIMEOUT", c.Attendance.Timeout)

	c.Autoscan.Enabled = getEnvAsBoolOrDefault("AUTOSCAN_ENABLED", c.Autoscan.Enabled)
	c.Autoscan.Interval = getEnvAsDurationOrDefault("AUTOSCAN_INTERVAL", c.Autoscan.Interval)
	c.Autoscan.Cascade = getEnvOrDefault("AUTOSCAN_CASCADE", c.Autoscan.Cascade)

	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("ATTENDCAM_LOG_FORMAT", c.Log.Format)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	// カメラ設定の検証
	switch c.Camera.Provider {
	case ProviderV4L2, ProviderGoCV, ProviderX11:
	case ProviderMock:
		if len(c.Camera.MockDevices) == 0 {
			errs = append(errs, errors.New("mock プロバイダにはデバイスが1つ以上必要です"))
		}
	default:
		errs = append(errs, fmt.Errorf("不明なカメラプロバイダ: %q", c.Camera.Provider))
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 || c.Camera.FrameRate < 0 {
		errs = append(errs, errors.New("カメラの解像度とフレームレートは0以上である必要があります"))
	}
	if c.Camera.AcquireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("無効な取得タイムアウト: %s", c.Camera.AcquireTimeout))
	}

	// スナップショット設定の検証
	if _, err := camera.ParseFormat(c.Capture.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Capture.Quality <= 0 || c.Capture.Quality > 1 {
		errs = append(errs, fmt.Errorf("無効な画質: %v (0より大きく1以下)", c.Capture.Quality))
	}
	if c.Capture.MaxWidth < 0 {
		errs = append(errs, fmt.Errorf("無効な最大幅: %d", c.Capture.MaxWidth))
	}

	// 出席サービス設定の検証
	if u, err := url.Parse(c.Attendance.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("無効な出席サービスURL: %q", c.Attendance.URL))
	}
	if c.Attendance.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("無効な出席サービスのタイムアウト: %s", c.Attendance.Timeout))
	}

	// 自動スキャン設定の検証
	if c.Autoscan.Interval <= 0 {
		errs = append(errs, fmt.Errorf("無効な自動スキャン間隔: %s", c.Autoscan.Interval))
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CaptureFormat は検証済みのスナップショット形式を返す
func (c *Config) CaptureFormat() camera.Format {
	format, err := camera.ParseFormat(c.Capture.Format)
	if err != nil {
		return camera.FormatJPEG
	}
	return format
}

// CameraOptions はSessionManagerの設定を返す
func (c *Config) CameraOptions() camera.Options {
	return camera.Options{
		AcquireTimeout: c.Camera.AcquireTimeout,
		Width:          c.Camera.Width,
		Height:         c.Camera.Height,
		FrameRate:      c.Camera.FrameRate,
		MaxWidth:       c.Capture.MaxWidth,
	}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsFloatOrDefault は環境変数を小数として取得する
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault は環境変数を time.Duration として取得する（例: "5s"）
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault は環境変数を真偽値として取得する
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}
