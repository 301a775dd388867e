package camera

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultAcquireTimeout はストリーム取得の既定タイムアウト
const DefaultAcquireTimeout = 5 * time.Second

// Options はSessionManagerの設定
type Options struct {
	AcquireTimeout time.Duration // 取得と準備完了待ちの上限
	Width          int
	Height         int
	FrameRate      int
	MaxWidth       int // スナップショットの最大幅（0は制限なし）
}

// SessionManager は単一のアクティブなカメラストリームを管理する
type SessionManager struct {
	provider Provider
	sink     Sink
	logger   *slog.Logger
	opts     Options

	// Start/Stop/SwitchDevice を直列化するガード
	guard chan struct{}

	mu         sync.RWMutex
	state      State
	stream     Stream
	deviceID   string
	lastDevice string
	runID      string
	startedAt  time.Time
	hidden     bool
	closed     bool
	watchDone  chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewSessionManager は新しいSessionManagerを作成する
// sink が nil の場合は FrameSink を使う
func NewSessionManager(provider Provider, sink Sink, logger *slog.Logger, opts Options) *SessionManager {
	if sink == nil {
		sink = NewFrameSink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}

	return &SessionManager{
		provider: provider,
		sink:     sink,
		logger:   logger.With("component", "camera"),
		opts:     opts,
		guard:    make(chan struct{}, 1),
		state:    StateIdle,
		subs:     make(map[int]chan Event),
	}
}

// lock は進行中の操作が終わるまで待機する
func (m *SessionManager) lock(ctx context.Context) error {
	select {
	case m.guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("進行中のカメラ操作の完了待ちを中断: %w", ctx.Err())
	}
}

func (m *SessionManager) unlock() {
	<-m.guard
}

// ListDevices は映像入力デバイスを列挙する
// プロバイダが失敗した場合は警告を出して空のスライスを返す
func (m *SessionManager) ListDevices(ctx context.Context) []Device {
	if m.provider == nil {
		m.logger.Warn("メディアキャプチャプロバイダが利用できません")
		return []Device{}
	}

	devices, err := m.provider.EnumerateDevices(ctx)
	if err != nil {
		m.logger.Warn("デバイスの列挙に失敗しました", "error", err)
		return []Device{}
	}

	videoInputs := make([]Device, 0, len(devices))
	for _, device := range devices {
		if device.Kind == "" || device.Kind == KindVideoInput {
			videoInputs = append(videoInputs, device)
		}
	}

	return videoInputs
}

// Start はカメラストリームを開始する
// deviceID が空の場合は前回のデバイス、それもなければプラットフォームのデフォルトを使う
func (m *SessionManager) Start(ctx context.Context, deviceID string) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	return m.startLocked(ctx, deviceID)
}

// SwitchDevice は指定デバイスへ切り替える。既にアクティブな場合は何もしない
func (m *SessionManager) SwitchDevice(ctx context.Context, deviceID string) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	m.mu.RLock()
	same := m.state == StateActive && deviceID != "" && m.deviceID == deviceID
	m.mu.RUnlock()

	if same {
		return nil
	}

	return m.startLocked(ctx, deviceID)
}

// Stop はストリームを停止する。停止済みの場合は何もしない
func (m *SessionManager) Stop(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	if m.releaseLocked(StateIdle) {
		m.logger.Info("カメラを停止しました")
	}
	return nil
}

// Close はマネージャーを破棄し、全てのハードウェア資源を解放する
func (m *SessionManager) Close() error {
	if err := m.Stop(context.Background()); err != nil {
		return err
	}

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.subMu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.subMu.Unlock()

	return nil
}

// WithSession はセッションを開始して fn を実行し、どの経路でも必ず停止する
func (m *SessionManager) WithSession(ctx context.Context, deviceID string, fn func(ctx context.Context) error) (err error) {
	if err := m.Start(ctx, deviceID); err != nil {
		return err
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.AcquireTimeout)
		defer cancel()
		if stopErr := m.Stop(stopCtx); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	return fn(ctx)
}

// Capture は現在のフレームをエンコードした静止画を返す
func (m *SessionManager) Capture(format Format, quality float64) (*Snapshot, error) {
	m.mu.RLock()
	state, deviceID := m.state, m.deviceID
	m.mu.RUnlock()

	if state != StateActive {
		return nil, notReady("カメラが起動していません")
	}

	frame, ok := m.sink.Frame()
	if !ok || frame.Bounds().Empty() {
		return nil, notReady("フレームがまだ取得されていません")
	}

	quality = normalizeQuality(quality)
	raster := renderFrame(frame, m.opts.MaxWidth)
	data, err := Encode(raster, format, quality)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatJPEG
	}

	return &Snapshot{
		Data:       data,
		Format:     format,
		Quality:    quality,
		Width:      raster.Bounds().Dx(),
		Height:     raster.Bounds().Dy(),
		DeviceID:   deviceID,
		CapturedAt: time.Now(),
	}, nil
}

// Frame はアクティブなセッションの最新フレームを返す
func (m *SessionManager) Frame() (image.Image, bool) {
	if m.State() != StateActive {
		return nil, false
	}
	return m.sink.Frame()
}

// SetVisibility はホストの表示状態を反映する
// 非表示になると再生を一時停止し、表示に戻ると再開する
func (m *SessionManager) SetVisibility(hidden bool) {
	m.mu.Lock()
	changed := m.hidden != hidden
	m.hidden = hidden
	state := m.state
	deviceID := m.deviceID
	// 開始処理と競合しないよう、再生状態の切り替えはロック内で行う
	if changed && state == StateActive {
		if hidden {
			m.sink.Pause()
		} else {
			m.sink.Play()
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	if state == StateActive {
		if hidden {
			m.logger.Debug("非表示のため再生を一時停止しました", "device", deviceID)
		} else {
			m.logger.Debug("表示に戻ったため再生を再開しました", "device", deviceID)
		}
	}

	m.publish(Event{State: state, DeviceID: deviceID, Hidden: hidden})
}

// State は現在の状態を返す
func (m *SessionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ActiveDevice はアクティブなデバイスIDを返す
func (m *SessionManager) ActiveDevice() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceID
}

// ActiveStream はアクティブなストリームを返す
func (m *SessionManager) ActiveStream() Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stream
}

// Status は状態スナップショットを返す
func (m *SessionManager) Status() SessionStatus {
	m.mu.RLock()
	status := SessionStatus{
		State:     m.state,
		DeviceID:  m.deviceID,
		RunID:     m.runID,
		Hidden:    m.hidden,
		StartedAt: m.startedAt,
	}
	if m.stream != nil {
		status.StreamID = m.stream.ID()
	}
	m.mu.RUnlock()

	if status.State == StateActive {
		status.Paused = m.sink.Paused()
		if frame, ok := m.sink.Frame(); ok {
			status.Ready = true
			status.Width = frame.Bounds().Dx()
			status.Height = frame.Bounds().Dy()
		}
	}

	return status
}

// Subscribe は状態変化イベントの購読を開始する
func (m *SessionManager) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, 16)
	m.subs[id] = ch

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// publish はイベントを配信する。バッファがフルの購読者はスキップする
func (m *SessionManager) publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// resolveDevice は開始対象のデバイスを決定する（ガード取得済み前提）
func (m *SessionManager) resolveDevice(ctx context.Context, requested string) (string, error) {
	m.mu.RLock()
	last := m.lastDevice
	m.mu.RUnlock()

	devices, err := m.provider.EnumerateDevices(ctx)
	if err != nil {
		// 列挙できない場合は判断をプロバイダへ委ねる
		m.logger.Warn("デバイスの列挙に失敗しました", "error", err)
		if requested != "" {
			return requested, nil
		}
		return last, nil
	}

	if requested != "" {
		if !containsDevice(devices, requested) {
			return "", newError(KindDeviceNotFound, fmt.Sprintf("カメラデバイスが見つかりません: %s", requested), ErrNoDevice)
		}
		return requested, nil
	}

	if last != "" && containsDevice(devices, last) {
		return last, nil
	}

	return "", nil
}

// startLocked は既存ストリームを解放してから新しいストリームを取得する（ガード取得済み前提）
func (m *SessionManager) startLocked(ctx context.Context, requested string) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return newError(KindUnknown, "カメラマネージャーは破棄されています", ErrClosed)
	}
	if m.provider == nil {
		return newError(KindDeviceUnsupported, "メディアキャプチャプロバイダが利用できません", ErrUnsupported)
	}

	// 重複するストリームを作らないよう、取得前に必ず解放する
	m.releaseLocked(StateStarting)
	m.publish(Event{State: StateStarting, DeviceID: requested})

	acquireCtx, cancel := context.WithTimeout(ctx, m.opts.AcquireTimeout)
	defer cancel()

	target, err := m.resolveDevice(acquireCtx, requested)
	if err != nil {
		return m.fail(err)
	}

	stream, err := m.acquire(acquireCtx, Constraints{
		DeviceID:  target,
		Width:     m.opts.Width,
		Height:    m.opts.Height,
		FrameRate: m.opts.FrameRate,
	})
	if err != nil {
		return m.fail(err)
	}

	if err := m.sink.Attach(stream); err != nil {
		releaseStream(stream)
		return m.fail(err)
	}

	// メタデータ（最初のフレーム）の到着を待つ
	select {
	case <-m.sink.Ready():
	case err := <-m.sink.Errors():
		m.sink.Detach()
		releaseStream(stream)
		return m.fail(err)
	case <-acquireCtx.Done():
		m.sink.Detach()
		releaseStream(stream)
		return m.fail(acquireCtx.Err())
	}

	deviceID := stream.DeviceID()
	if deviceID == "" {
		deviceID = target
	}

	m.mu.Lock()
	m.state = StateActive
	m.stream = stream
	m.deviceID = deviceID
	m.lastDevice = deviceID
	m.runID = uuid.New().String()
	m.startedAt = time.Now()
	m.watchDone = make(chan struct{})
	hidden := m.hidden
	if hidden {
		m.sink.Pause()
	}
	go m.watch(stream, m.watchDone)
	m.mu.Unlock()

	m.logger.Info("カメラを開始しました", "device", deviceID, "stream", stream.ID())
	m.publish(Event{State: StateActive, DeviceID: deviceID, Hidden: hidden})
	return nil
}

// acquire はタイムアウト付きでストリームを取得する
// タイムアウト後に届いたストリームはバックグラウンドで解放する
func (m *SessionManager) acquire(ctx context.Context, constraints Constraints) (Stream, error) {
	type result struct {
		stream Stream
		err    error
	}

	resultCh := make(chan result, 1)
	go func() {
		stream, err := m.provider.AcquireStream(ctx, constraints)
		resultCh <- result{stream: stream, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			releaseStream(r.stream)
			return nil, r.err
		}
		if r.stream == nil {
			return nil, fmt.Errorf("プロバイダがストリームを返しませんでした")
		}
		if err := ctx.Err(); err != nil {
			releaseStream(r.stream)
			return nil, err
		}
		return r.stream, nil

	case <-ctx.Done():
		go func() {
			r := <-resultCh
			if r.stream != nil {
				releaseStream(r.stream)
				m.logger.Warn("タイムアウト後に取得されたストリームを解放しました", "stream", r.stream.ID())
			}
		}()
		return nil, ctx.Err()
	}
}

// fail は状態をidleへ戻して分類済みエラーを返す
func (m *SessionManager) fail(err error) error {
	camErr := classify(err)

	m.mu.Lock()
	m.state = StateIdle
	m.stream = nil
	m.deviceID = ""
	m.runID = ""
	m.startedAt = time.Time{}
	hidden := m.hidden
	m.mu.Unlock()

	m.logger.Error("カメラの開始に失敗しました", "kind", camErr.Kind, "error", err)
	m.publish(Event{State: StateIdle, Hidden: hidden, ErrorKind: camErr.Kind, Message: camErr.Message})
	return camErr
}

// releaseLocked はアクティブなストリームを解放して next 状態へ遷移する（ガード取得済み前提）
// 解放したストリームがあった場合は true を返す
func (m *SessionManager) releaseLocked(next State) bool {
	m.mu.Lock()
	stream := m.stream
	deviceID := m.deviceID
	m.stream = nil
	m.state = next
	m.deviceID = ""
	m.runID = ""
	m.startedAt = time.Time{}
	if m.watchDone != nil {
		close(m.watchDone)
		m.watchDone = nil
	}
	hidden := m.hidden
	m.mu.Unlock()

	if stream == nil {
		return false
	}

	// 先に切り離してからトラックを停止する
	m.sink.Detach()
	releaseStream(stream)

	if next == StateIdle {
		m.publish(Event{State: StateIdle, DeviceID: deviceID, Hidden: hidden})
	}
	return true
}

// watch は再生中のストリーム終了を検知してセッションをidleへ戻す
func (m *SessionManager) watch(stream Stream, done <-chan struct{}) {
	var err error
	select {
	case <-done:
		return
	case err = <-m.sink.Errors():
	}

	if lockErr := m.lock(context.Background()); lockErr != nil {
		return
	}
	defer m.unlock()

	if m.ActiveStream() != stream {
		return
	}

	deviceID := m.ActiveDevice()
	m.releaseLocked(StateIdle)

	m.logger.Error("再生中にストリームが終了しました", "device", deviceID, "error", err)
	m.publish(Event{
		State:     StateIdle,
		DeviceID:  deviceID,
		ErrorKind: KindUnknown,
		Message:   "再生中にカメラが切断されました",
	})
}

func containsDevice(devices []Device, id string) bool {
	for _, device := range devices {
		if device.ID == id {
			return true
		}
	}
	return false
}
