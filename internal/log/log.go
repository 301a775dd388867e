// Package log はattendcam全体で使う構造化ロガーを提供する
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// ParseLevel はレベル名をslog.Levelへ変換する。不明な値は info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New は w へ出力するロガーを作成する。format が "json" ならJSON、それ以外はテキスト
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init はグローバルロガーを初期化する
// 標準出力はスナップショットの出力に使うため、ログは標準エラーへ書く
func Init(level, format string) *slog.Logger {
	l := New(os.Stderr, level, format)

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
	return l
}

// L はグローバルロガーを返す
func L() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()

	if l == nil {
		return Init("info", "text")
	}
	return l
}
