package camera

import (
	"context"
	"image"
	"time"
)

// DeviceKind はデバイスの種類を表す
type DeviceKind string

// KindVideoInput は映像入力デバイス
const KindVideoInput DeviceKind = "videoinput"

// Device は列挙されたキャプチャデバイスの情報
type Device struct {
	ID    string     `json:"id"`    // デバイス識別子（例: /dev/video0）
	Label string     `json:"label"` // 表示名（権限取得前は空の場合がある）
	Kind  DeviceKind `json:"kind"`
}

// Constraints はストリーム取得時の要求条件
type Constraints struct {
	DeviceID  string // 空の場合はプラットフォームのデフォルト
	Width     int
	Height    int
	FrameRate int
}

// State はセッションの状態を表す
type State string

const (
	StateIdle     State = "idle"     // ストリームなし
	StateStarting State = "starting" // 取得中
	StateActive   State = "active"   // ストリーム再生中
)

// Track はストリーム内の1チャンネル。ハードウェアを解放するには明示的に停止する必要がある
type Track interface {
	ID() string
	Kind() string
	Stop()
	Stopped() bool
}

// Stream はプロバイダが管理するライブ映像
//
// Frames はトラック停止後にクローズされる。
type Stream interface {
	ID() string
	DeviceID() string
	Tracks() []Track
	Frames() <-chan image.Image
}

// Provider はデバイス列挙とストリーム取得を提供する
type Provider interface {
	// EnumerateDevices は利用可能なデバイスを列挙する
	EnumerateDevices(ctx context.Context) ([]Device, error)

	// AcquireStream は条件に合うストリームを取得する
	AcquireStream(ctx context.Context, constraints Constraints) (Stream, error)
}

// Sink はストリームを受け取り再生する映像出力先
type Sink interface {
	// Attach はストリームを接続する。接続済みの場合は先に切り離す
	Attach(stream Stream) error

	// Detach はストリームを切り離す
	Detach()

	// Ready は最初の有効なフレームを受信するとクローズされる
	Ready() <-chan struct{}

	// Errors は再生中のエラーを通知する
	Errors() <-chan error

	Play()
	Pause()
	Paused() bool

	// Frame は最新フレームを返す
	Frame() (image.Image, bool)
}

// SessionStatus はセッションの状態スナップショット
type SessionStatus struct {
	State     State     `json:"state"`
	DeviceID  string    `json:"device_id,omitempty"`
	StreamID  string    `json:"stream_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Hidden    bool      `json:"hidden"`
	Paused    bool      `json:"paused"`
	Ready     bool      `json:"ready"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Event はセッション状態の変化を通知する
type Event struct {
	State     State     `json:"state"`
	DeviceID  string    `json:"device_id,omitempty"`
	Hidden    bool      `json:"hidden"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}
