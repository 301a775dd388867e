// Package gocvsource はOpenCV（gocv）を使ったカメラ入力と顔検出を提供する
package gocvsource

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"sync"

	"gocv.io/x/gocv"

	"attendcam/internal/camera"
)

// DefaultMaxProbe は列挙時に調べるデバイス番号の上限
const DefaultMaxProbe = 4

// maxReadFailures は連続読み取り失敗でストリームを終了するまでの回数
const maxReadFailures = 30

// Provider はOpenCVのVideoCaptureを使う camera.Provider 実装
type Provider struct {
	maxProbe int

	mu   sync.Mutex
	open map[int]bool // ストリーミング中のデバイス番号
}

// NewProvider は新しいProviderを作成する
func NewProvider(maxProbe int) *Provider {
	if maxProbe <= 0 {
		maxProbe = DefaultMaxProbe
	}
	return &Provider{
		maxProbe: maxProbe,
		open:     make(map[int]bool),
	}
}

// EnumerateDevices はデバイス番号を順に開いて利用可能なカメラを列挙する
func (p *Provider) EnumerateDevices(ctx context.Context) ([]camera.Device, error) {
	var devices []camera.Device

	for index := 0; index < p.maxProbe; index++ {
		if err := ctx.Err(); err != nil {
			return devices, err
		}

		// 使用中のデバイスは開き直さずに列挙する
		if !p.isOpen(index) && !probe(index) {
			continue
		}

		devices = append(devices, camera.Device{
			ID:    strconv.Itoa(index),
			Label: fmt.Sprintf("OpenCVカメラ %d", index),
			Kind:  camera.KindVideoInput,
		})
	}

	return devices, nil
}

// AcquireStream はVideoCaptureを開いてフレームの読み取りを開始する
func (p *Provider) AcquireStream(ctx context.Context, constraints camera.Constraints) (camera.Stream, error) {
	index := 0
	if constraints.DeviceID != "" {
		n, err := strconv.Atoi(constraints.DeviceID)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: 不正なデバイス番号: %s", camera.ErrNoDevice, constraints.DeviceID)
		}
		index = n
	}

	if p.isOpen(index) {
		return nil, fmt.Errorf("%w: デバイス %d", camera.ErrDeviceBusy, index)
	}

	webcam, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrNoDevice, err)
	}
	if !webcam.IsOpened() {
		_ = webcam.Close()
		return nil, fmt.Errorf("%w: デバイス %d を開けません", camera.ErrNoDevice, index)
	}

	if constraints.Width > 0 && constraints.Height > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(constraints.Width))
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(constraints.Height))
	}
	if constraints.FrameRate > 0 {
		webcam.Set(gocv.VideoCaptureFPS, float64(constraints.FrameRate))
	}

	if err := ctx.Err(); err != nil {
		_ = webcam.Close()
		return nil, err
	}

	p.setOpen(index, true)

	frames := make(chan image.Image)
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(frames)
		defer p.setOpen(index, false)
		defer webcam.Close()

		readLoop(webcam, frames, stopCh)
	}()

	track := camera.NewFuncTrack("video", func() {
		close(stopCh)
		<-done
	})

	return camera.NewBaseStream(strconv.Itoa(index), frames, track), nil
}

// readLoop はフレームを読み取り image.Image へ変換して送信する
func readLoop(webcam *gocv.VideoCapture, frames chan<- image.Image, stopCh <-chan struct{}) {
	img := gocv.NewMat()
	defer img.Close()

	failures := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if ok := webcam.Read(&img); !ok || img.Empty() {
			failures++
			if failures >= maxReadFailures {
				return
			}
			continue
		}
		failures = 0

		frame, err := img.ToImage()
		if err != nil {
			continue
		}

		select {
		case frames <- frame:
		case <-stopCh:
			return
		}
	}
}

// probe はデバイスを一度開いて利用可能か確認する
func probe(index int) bool {
	webcam, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return false
	}
	defer webcam.Close()
	return webcam.IsOpened()
}

func (p *Provider) isOpen(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[index]
}

func (p *Provider) setOpen(index int, open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if open {
		p.open[index] = true
	} else {
		delete(p.open, index)
	}
}
