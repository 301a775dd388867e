package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// ErrorKind はカメラエラーの分類
type ErrorKind string

const (
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindDeviceNotFound    ErrorKind = "device_not_found"
	KindDeviceUnsupported ErrorKind = "device_unsupported"
	KindDeviceBusy        ErrorKind = "device_busy"
	KindTimeout           ErrorKind = "timeout"
	KindNotReady          ErrorKind = "not_ready"
	KindUnknown           ErrorKind = "unknown"
)

// プロバイダが返す低レベルエラー
var (
	ErrPermission  = errors.New("camera: permission denied")
	ErrNoDevice    = errors.New("camera: no such device")
	ErrUnsupported = errors.New("camera: constraints not supported")
	ErrDeviceBusy  = errors.New("camera: device busy")

	// ErrClosed は破棄済みのマネージャーを操作した場合に返る
	ErrClosed = errors.New("camera: session manager closed")
)

// CameraError は呼び出し側へ返す分類済みのエラー
type CameraError struct {
	Kind    ErrorKind
	Message string // 利用者向けのメッセージ
	Err     error  // 元のエラー
}

func (e *CameraError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CameraError) Unwrap() error {
	return e.Err
}

// KindOf はエラーの分類を返す。CameraError でない場合は空文字列
func KindOf(err error) ErrorKind {
	var ce *CameraError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func newError(kind ErrorKind, message string, err error) *CameraError {
	return &CameraError{Kind: kind, Message: message, Err: err}
}

func notReady(message string) *CameraError {
	return newError(KindNotReady, message, nil)
}

// classify はプロバイダのエラーをカメラエラーへ変換する
func classify(err error) *CameraError {
	var ce *CameraError
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, "カメラの起動がタイムアウトしました", err)
	case errors.Is(err, ErrPermission), errors.Is(err, fs.ErrPermission):
		return newError(KindPermissionDenied, "カメラへのアクセスが拒否されました。権限を確認してください", err)
	case errors.Is(err, ErrNoDevice), errors.Is(err, fs.ErrNotExist):
		return newError(KindDeviceNotFound, "カメラデバイスが見つかりません", err)
	case errors.Is(err, ErrDeviceBusy), errors.Is(err, syscall.EBUSY):
		return newError(KindDeviceBusy, "カメラは他のアプリケーションで使用中です", err)
	case errors.Is(err, ErrUnsupported):
		return newError(KindDeviceUnsupported, "要求された設定はこのカメラでサポートされていません", err)
	case errors.Is(err, context.Canceled):
		return newError(KindUnknown, "カメラの起動がキャンセルされました", err)
	default:
		return newError(KindUnknown, "カメラの起動に失敗しました", err)
	}
}
