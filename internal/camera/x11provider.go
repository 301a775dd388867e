package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// X11Provider はX11の画面を仮想カメラとして扱う Provider 実装
// カメラのないキオスクでの動作確認に使う
type X11Provider struct {
	display    string
	ffmpegPath string
}

// NewX11Provider は新しいX11Providerを作成する
// display が空の場合は $DISPLAY、未設定なら ":0" を使う
func NewX11Provider(display, ffmpegPath string) *X11Provider {
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		display = ":0"
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &X11Provider{display: display, ffmpegPath: ffmpegPath}
}

// EnumerateDevices はディスプレイが利用可能な場合に1件を返す
func (p *X11Provider) EnumerateDevices(ctx context.Context) ([]Device, error) {
	if !p.IsDisplayAvailable(ctx) {
		return []Device{}, nil
	}
	return []Device{{
		ID:    p.display,
		Label: fmt.Sprintf("画面キャプチャ (%s)", p.display),
		Kind:  KindVideoInput,
	}}, nil
}

// IsDisplayAvailable はX11ディスプレイが利用可能かチェックする
func (p *X11Provider) IsDisplayAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// xdpyinfoコマンドでX11ディスプレイの利用可能性をチェック
	return exec.CommandContext(ctx, "xdpyinfo", "-display", p.display).Run() == nil
}

// AcquireStream は画面キャプチャを開始する
func (p *X11Provider) AcquireStream(ctx context.Context, constraints Constraints) (Stream, error) {
	if _, err := exec.LookPath(p.ffmpegPath); err != nil {
		return nil, fmt.Errorf("%w: ffmpegが見つかりません: %v", ErrUnsupported, err)
	}

	display := constraints.DeviceID
	if display == "" {
		display = p.display
	}
	if display != p.display {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, display)
	}

	capturer := NewX11Capturer(p.ffmpegPath, display, constraints.Width, constraints.Height, constraints.FrameRate)
	return capturer.Open(ctx)
}
