// Package autoscan はアクティブなカメラから定期的に顔認識を行う
package autoscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"attendcam/internal/attendance"
	"attendcam/internal/camera"
)

// Scanner は一定間隔で静止画を取得して認識を依頼する
type Scanner struct {
	capturer   Capturer
	recognizer Recognizer
	gate       FaceGate // nil の場合は顔判定をしない
	config     Config
	logger     *slog.Logger

	inFlight atomic.Bool

	mu     sync.RWMutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScanner は新しいScannerを作成する
func NewScanner(capturer Capturer, recognizer Recognizer, gate FaceGate, logger *slog.Logger, config Config) *Scanner {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BusyBackoff <= 0 {
		config.BusyBackoff = defaults.BusyBackoff
	}
	if config.Format == "" {
		config.Format = defaults.Format
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{
		capturer:   capturer,
		recognizer: recognizer,
		gate:       gate,
		config:     config,
		logger:     logger.With("component", "autoscan"),
		status:     Status{Interval: config.Interval},
	}
}

// Start は自動スキャンを開始する。実行中の場合は何もしない
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status.Running = true

	go s.run(loopCtx, s.done)

	s.logger.Info("自動スキャンを開始しました", "interval", s.config.Interval)
	return nil
}

// Stop は自動スキャンを停止する。停止済みの場合は何もしない
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.status.Running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.status.Running = false
	s.mu.Unlock()

	cancel()

	// ワーカーの終了を短いタイムアウトで待機
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		s.logger.Warn("自動スキャンの停止がタイムアウトしました")
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("自動スキャンを停止しました")
	return nil
}

// Running は実行中かを返す
func (s *Scanner) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Running
}

// Status は現在の状態を返す
func (s *Scanner) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := s.status
	if status.LastResult != nil {
		last := *status.LastResult
		status.LastResult = &last
	}
	return status
}

// run は間隔ごとにスキャンする
func (s *Scanner) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.ScanOnce(ctx)
			switch {
			case err == nil, isSkip(err), errors.Is(err, context.Canceled):
			case attendance.IsClientError(err):
				s.logger.Debug("自動スキャンの画像が受け付けられませんでした", "error", err)
			default:
				s.logger.Warn("自動スキャンに失敗しました", "error", err)
			}
		}
	}
}

// ScanOnce は1回分のスキャンを行う
// 見送った場合は ErrNotReady / ErrNoFace / ErrInFlight / ErrBackoff を返す
func (s *Scanner) ScanOnce(ctx context.Context) (*attendance.RecognizeResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.skip()
		return nil, ErrInFlight
	}
	defer s.inFlight.Store(false)

	s.mu.Lock()
	s.status.Scans++
	s.status.LastScan = time.Now()
	backoffUntil := s.status.BackoffUntil
	s.mu.Unlock()

	if time.Now().Before(backoffUntil) {
		s.skip()
		return nil, ErrBackoff
	}

	frame, ok := s.capturer.Frame()
	if !ok {
		s.skip()
		return nil, ErrNotReady
	}

	if s.gate != nil {
		hasFace, err := s.gate.HasFace(frame)
		if err != nil {
			s.logger.Debug("顔検出に失敗しました", "error", err)
		}
		if err != nil || !hasFace {
			s.skip()
			return nil, ErrNoFace
		}
	}

	snapshot, err := s.capturer.Capture(s.config.Format, s.config.Quality)
	if err != nil {
		if camera.KindOf(err) == camera.KindNotReady {
			s.skip()
			return nil, ErrNotReady
		}
		s.recordFailure(err)
		return nil, fmt.Errorf("静止画の取得に失敗: %w", err)
	}

	s.mu.Lock()
	s.status.Submitted++
	s.mu.Unlock()

	result, err := s.recognizer.Recognize(ctx, snapshot.DataURL())
	if err != nil {
		// 正常応答の success:false は顔が写っていない場合の通常の結果
		if status := attendance.StatusOf(err); status >= 200 && status < 300 {
			s.skip()
			s.logger.Debug("認識対象の顔がありませんでした", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrNoFace, err)
		}
		if errors.Is(err, attendance.ErrBusy) {
			s.mu.Lock()
			s.status.BackoffUntil = time.Now().Add(s.config.BusyBackoff)
			s.mu.Unlock()
			s.logger.Info("出席サービスが混雑しているため待機します", "backoff", s.config.BusyBackoff)
		}
		s.recordFailure(err)
		return nil, err
	}

	s.recordResult(result)
	return result, nil
}

func (s *Scanner) skip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Skipped++
}

func (s *Scanner) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Failures++
	s.status.LastError = err.Error()
}

func (s *Scanner) recordResult(result *attendance.RecognizeResult) {
	best := result.Best()

	s.mu.Lock()
	s.status.LastError = ""
	if best != nil {
		last := *best
		s.status.LastResult = &last
		if best.Recognized {
			s.status.Recognized++
		}
	}
	s.mu.Unlock()

	if best != nil && best.Recognized {
		outcome := ""
		if best.Attendance != nil {
			outcome = best.Attendance.Status
		}
		s.logger.Info("学生を認識しました",
			"nim", best.NIM,
			"name", best.Name,
			"confidence", best.Confidence,
			"attendance", outcome,
		)
	}
}

// isSkip は見送りを表すエラーかを返す
func isSkip(err error) bool {
	return errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrNoFace) ||
		errors.Is(err, ErrInFlight) ||
		errors.Is(err, ErrBackoff)
}
