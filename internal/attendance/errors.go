package attendance

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrBusy は認識キューが満杯の場合（HTTP 429）
	ErrBusy = errors.New("attendance: service busy")

	// ErrUnavailable はサービスの構成要素が利用できない場合（HTTP 503）
	ErrUnavailable = errors.New("attendance: service unavailable")

	// ErrInvalidRequest はリクエストの検証に失敗した場合
	ErrInvalidRequest = errors.New("attendance: invalid request")
)

// APIError はサービスが success:false または非2xxを返した場合のエラー
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("出席サービスがエラーを返しました (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("出席サービスがエラーを返しました (status %d): %s", e.StatusCode, e.Message)
}

// Is はステータスコードに対応する番兵エラーと一致させる
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// StatusOf はエラーに対応するHTTPステータスを返す。APIError でない場合は0
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
