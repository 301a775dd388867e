package camera

import (
	"errors"
	"image"
	"sync"
)

// errStreamEnded は再生中にストリームが終了した場合のエラー
var errStreamEnded = errors.New("ストリームが終了しました")

// FrameSink はストリームから最新フレームを保持する Sink 実装
type FrameSink struct {
	mu        sync.RWMutex
	stream    Stream
	latest    image.Image
	paused    bool
	ready     chan struct{}
	readyOnce *sync.Once
	errorChan chan error

	// 制御用
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFrameSink は新しいFrameSinkを作成する
func NewFrameSink() *FrameSink {
	return &FrameSink{
		ready:     make(chan struct{}),
		readyOnce: &sync.Once{},
		errorChan: make(chan error, 5),
	}
}

// Attach はストリームを接続してフレーム転送を開始する
func (s *FrameSink) Attach(stream Stream) error {
	if stream == nil {
		return errors.New("ストリームがnilです")
	}

	// 接続済みの場合は先に切り離す
	s.Detach()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stream = stream
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.forwardFrames(stream.Frames(), s.stopCh, s.ready, s.readyOnce)

	return nil
}

// Detach はストリームを切り離し、保持しているフレームを破棄する
func (s *FrameSink) Detach() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.stream = nil
	s.mu.Unlock()

	if stopCh == nil {
		return // 既に切り離し済み
	}

	close(stopCh)
	s.wg.Wait()

	s.mu.Lock()
	s.latest = nil
	s.paused = false
	s.ready = make(chan struct{})
	s.readyOnce = &sync.Once{}
	s.mu.Unlock()

	// 古いエラーを破棄
	for {
		select {
		case <-s.errorChan:
		default:
			return
		}
	}
}

// Ready は最初の有効なフレームを受信するとクローズされるチャンネルを返す
func (s *FrameSink) Ready() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Errors はエラーチャンネルを返す
func (s *FrameSink) Errors() <-chan error {
	return s.errorChan
}

// Play は再生を再開する
func (s *FrameSink) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Pause は再生を一時停止する。一時停止中に届いたフレームは破棄される
func (s *FrameSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Paused は一時停止中かを返す
func (s *FrameSink) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// Frame は最新フレームを返す
func (s *FrameSink) Frame() (image.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil, false
	}
	return s.latest, true
}

// forwardFrames はストリームから最新フレームを取り込む
func (s *FrameSink) forwardFrames(frames <-chan image.Image, stopCh <-chan struct{}, ready chan struct{}, readyOnce *sync.Once) {
	defer s.wg.Done()

	for {
		select {
		case <-stopCh:
			return

		case frame, ok := <-frames:
			if !ok {
				s.reportError(errStreamEnded)
				return
			}

			// サイズが0のフレームはメタデータ未取得として扱う
			if frame == nil || frame.Bounds().Empty() {
				continue
			}

			s.mu.Lock()
			if !s.paused {
				s.latest = frame
			}
			hasFrame := s.latest != nil
			s.mu.Unlock()

			if hasFrame {
				readyOnce.Do(func() { close(ready) })
			}
		}
	}
}

// reportError はエラーを通知する。チャンネルがフルの場合は古いエラーを破棄する
func (s *FrameSink) reportError(err error) {
	select {
	case s.errorChan <- err:
	default:
		select {
		case <-s.errorChan:
		default:
		}
		select {
		case s.errorChan <- err:
		default:
		}
	}
}
