package camera

import (
	"context"
	"fmt"
	"os/exec"
)

// V4L2Provider はLinuxのV4L2デバイスをffmpeg経由で扱う Provider 実装
type V4L2Provider struct {
	discovery  *LinuxDiscovery
	ffmpegPath string
}

// NewV4L2Provider は新しいV4L2Providerを作成する
func NewV4L2Provider(ffmpegPath string) *V4L2Provider {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &V4L2Provider{
		discovery:  NewLinuxDiscovery(),
		ffmpegPath: ffmpegPath,
	}
}

// EnumerateDevices は /dev/video* を走査してメインカメラを列挙する
func (p *V4L2Provider) EnumerateDevices(ctx context.Context) ([]Device, error) {
	paths, err := p.discovery.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(paths))
	for _, path := range paths {
		devices = append(devices, Device{
			ID:    path,
			Label: p.discovery.DeviceName(path),
			Kind:  KindVideoInput,
		})
	}
	return devices, nil
}

// AcquireStream はデバイスを開いてffmpegでMJPEGストリームを開始する
// DeviceID が空の場合は最初に見つかったデバイスを使う
func (p *V4L2Provider) AcquireStream(ctx context.Context, constraints Constraints) (Stream, error) {
	device := constraints.DeviceID
	if device == "" {
		devices, err := p.discovery.ScanDevices(ctx)
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("%w: 利用可能なカメラがありません", ErrNoDevice)
		}
		device = devices[0]
	}

	// 開けないデバイスは権限・存在のエラーをそのまま返す
	if err := p.discovery.CheckDevice(device); err != nil {
		return nil, err
	}

	if _, err := exec.LookPath(p.ffmpegPath); err != nil {
		return nil, fmt.Errorf("%w: ffmpegが見つかりません: %v", ErrUnsupported, err)
	}

	capturer := NewV4L2Capturer(p.ffmpegPath, device, constraints.Width, constraints.Height, constraints.FrameRate)
	return capturer.Open(ctx)
}
