package autoscan

import (
	"context"
	"errors"
	"image"
	"time"

	"attendcam/internal/attendance"
	"attendcam/internal/camera"
)

// スキャンを見送った理由
var (
	ErrNotReady = errors.New("autoscan: camera not ready")
	ErrNoFace   = errors.New("autoscan: no face in frame")
	ErrInFlight = errors.New("autoscan: recognition in flight")
	ErrBackoff  = errors.New("autoscan: backing off after busy response")
)

// Capturer はアクティブなカメラセッションからフレームと静止画を取得する
type Capturer interface {
	Frame() (image.Image, bool)
	Capture(format camera.Format, quality float64) (*camera.Snapshot, error)
}

// Recognizer は静止画を出席サービスへ送信する
type Recognizer interface {
	Recognize(ctx context.Context, image string) (*attendance.RecognizeResult, error)
}

// FaceGate はフレームに顔が含まれるかを判定する
type FaceGate interface {
	HasFace(frame image.Image) (bool, error)
}

// Config は自動スキャンの設定
type Config struct {
	Enabled     bool          `yaml:"enabled"`      // 起動時に開始するか
	Interval    time.Duration `yaml:"interval"`     // スキャン間隔
	BusyBackoff time.Duration `yaml:"busy_backoff"` // 429を受けた後の待機時間
	Format      camera.Format `yaml:"format"`       // 送信する画像形式
	Quality     float64       `yaml:"quality"`      // JPEG品質 (0, 1]
	Cascade     string        `yaml:"cascade"`      // 顔検出用のカスケードファイル（空なら判定しない）
}

// DefaultConfig はデフォルトの自動スキャン設定を返す
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Interval:    3 * time.Second,
		BusyBackoff: 5 * time.Second,
		Format:      camera.FormatJPEG,
		Quality:     0.8,
	}
}

// Status は自動スキャンの状態
type Status struct {
	Running      bool                    `json:"running"`
	Interval     time.Duration           `json:"interval"`
	Scans        int                     `json:"scans"`      // 実行したスキャン数
	Skipped      int                     `json:"skipped"`    // 見送ったスキャン数
	Submitted    int                     `json:"submitted"`  // サービスへ送信した数
	Recognized   int                     `json:"recognized"` // 学生として認識された数
	Failures     int                     `json:"failures"`   // 送信に失敗した数
	LastResult   *attendance.Recognition `json:"last_result,omitempty"`
	LastError    string                  `json:"last_error,omitempty"`
	LastScan     time.Time               `json:"last_scan,omitzero"`
	BackoffUntil time.Time               `json:"backoff_until,omitzero"`
}
