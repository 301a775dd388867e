package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"
)

// mockPalette はモックデバイスごとのフレーム色
var mockPalette = []color.RGBA{
	{R: 200, G: 40, B: 40, A: 255},
	{R: 40, G: 40, B: 200, A: 255},
	{R: 40, G: 200, B: 40, A: 255},
	{R: 200, G: 200, B: 40, A: 255},
}

// MockProvider はテスト用のProvider実装
type MockProvider struct {
	mu      sync.Mutex
	devices []Device
	colors  map[string]color.RGBA

	width         int
	height        int
	frameInterval time.Duration

	// テスト制御用
	enumerateErr  error
	acquireErr    error
	acquireDelay  time.Duration
	ignoreContext bool
	silent        bool

	// 計測用
	acquired int
	live     map[string]int
}

// NewMockProvider は新しいMockProviderを作成する
func NewMockProvider(deviceIDs ...string) *MockProvider {
	p := &MockProvider{
		colors:        make(map[string]color.RGBA),
		width:         640,
		height:        480,
		frameInterval: 10 * time.Millisecond,
		live:          make(map[string]int),
	}
	for _, id := range deviceIDs {
		p.AddDevice(id)
	}
	return p
}

// AddDevice はテスト用にデバイスを追加する
func (p *MockProvider) AddDevice(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range p.devices {
		if d.ID == id {
			return
		}
	}

	p.devices = append(p.devices, Device{
		ID:    id,
		Label: fmt.Sprintf("テストカメラ %d", len(p.devices)+1),
		Kind:  KindVideoInput,
	})
	p.colors[id] = mockPalette[(len(p.devices)-1)%len(mockPalette)]
}

// RemoveDevice はテスト用にデバイスを削除する
func (p *MockProvider) RemoveDevice(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, d := range p.devices {
		if d.ID == id {
			p.devices = append(p.devices[:i], p.devices[i+1:]...)
			break
		}
	}
	delete(p.colors, id)
}

// SetEnumerateError は列挙失敗を設定する
func (p *MockProvider) SetEnumerateError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enumerateErr = err
}

// SetAcquireError は取得失敗を設定する
func (p *MockProvider) SetAcquireError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireErr = err
}

// SetAcquireDelay は取得の遅延を設定する
// ignoreContext が true の場合はコンテキストを無視して遅れてストリームを返す
func (p *MockProvider) SetAcquireDelay(delay time.Duration, ignoreContext bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireDelay = delay
	p.ignoreContext = ignoreContext
}

// SetSilent はフレームを流さないストリームを返すよう設定する
func (p *MockProvider) SetSilent(silent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent = silent
}

// SetFrameSize はフレームサイズを設定する
func (p *MockProvider) SetFrameSize(width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.width = width
	p.height = height
}

// EnumerateDevices はモックデバイス一覧を返す
func (p *MockProvider) EnumerateDevices(_ context.Context) ([]Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enumerateErr != nil {
		return nil, p.enumerateErr
	}

	devices := make([]Device, len(p.devices))
	copy(devices, p.devices)
	return devices, nil
}

// AcquireStream は合成フレームを流すストリームを返す
func (p *MockProvider) AcquireStream(ctx context.Context, constraints Constraints) (Stream, error) {
	p.mu.Lock()
	delay, ignoreContext := p.acquireDelay, p.ignoreContext
	acquireErr := p.acquireErr
	p.mu.Unlock()

	if delay > 0 {
		if ignoreContext {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if acquireErr != nil {
		return nil, acquireErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	deviceID := constraints.DeviceID
	if deviceID == "" {
		if len(p.devices) == 0 {
			return nil, ErrNoDevice
		}
		deviceID = p.devices[0].ID
	}

	fill, ok := p.colors[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, deviceID)
	}

	width, height := p.width, p.height
	if constraints.Width > 0 && constraints.Height > 0 {
		width, height = constraints.Width, constraints.Height
	}

	frame := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(frame, frame.Bounds(), &image.Uniform{C: fill}, image.Point{}, draw.Src)

	frames := make(chan image.Image)
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(frames)

		if p.isSilent() {
			<-stopCh
			return
		}

		ticker := time.NewTicker(p.frameInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case frames <- frame:
			}

			select {
			case <-stopCh:
				return
			case <-ticker.C:
			}
		}
	}()

	p.acquired++
	p.live[deviceID]++

	track := NewFuncTrack("video", func() {
		close(stopCh)
		<-done

		p.mu.Lock()
		p.live[deviceID]--
		p.mu.Unlock()
	})

	return NewBaseStream(deviceID, frames, track), nil
}

func (p *MockProvider) isSilent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.silent
}

// LiveTracks は停止されていないトラック数を返す
func (p *MockProvider) LiveTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, n := range p.live {
		total += n
	}
	return total
}

// AcquireCount は取得されたストリームの累計を返す
func (p *MockProvider) AcquireCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}
