package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxFrameBuffer は分割前のバッファ上限。超えた場合は破棄する
const maxFrameBuffer = 8 * 1024 * 1024

// FFmpegCapturer はffmpegの入力をMJPEGストリームとして取得する
type FFmpegCapturer struct {
	ffmpegPath  string
	inputFormat string // v4l2 / x11grab
	devicePath  string
	width       int
	height      int
	fps         int
}

// NewV4L2Capturer はV4L2デバイス用のキャプチャを作成する
func NewV4L2Capturer(ffmpegPath, devicePath string, width, height, fps int) *FFmpegCapturer {
	return newFFmpegCapturer(ffmpegPath, "v4l2", devicePath, width, height, fps)
}

// NewX11Capturer はX11画面キャプチャを作成する
func NewX11Capturer(ffmpegPath, display string, width, height, fps int) *FFmpegCapturer {
	return newFFmpegCapturer(ffmpegPath, "x11grab", display, width, height, fps)
}

func newFFmpegCapturer(ffmpegPath, inputFormat, devicePath string, width, height, fps int) *FFmpegCapturer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegCapturer{
		ffmpegPath:  ffmpegPath,
		inputFormat: inputFormat,
		devicePath:  devicePath,
		width:       width,
		height:      height,
		fps:         fps,
	}
}

// args はffmpegの引数を組み立てる
func (c *FFmpegCapturer) args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", c.inputFormat}
	if c.width > 0 && c.height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.width, c.height))
	}
	if c.fps > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.fps))
	}
	return append(args,
		"-i", c.devicePath,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

// Open はストリーミングを開始し、最初のフレームが届いた時点でストリームを返す
// ctx は起動待ちにのみ使い、ストリーム自体はトラック停止まで継続する
func (c *FFmpegCapturer) Open(ctx context.Context) (Stream, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(streamCtx, c.ffmpegPath, c.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	frames := make(chan image.Image)
	first := make(chan struct{})
	exited := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(frames)

		c.readFrames(streamCtx, stdout, frames, first)
		exited <- cmd.Wait()
	}()

	track := NewFuncTrack("video", func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
	})

	select {
	case <-first:
		return NewBaseStream(c.devicePath, frames, track), nil
	case err := <-exited:
		track.Stop()
		return nil, classifyFFmpegError(err, stderr.String())
	case <-ctx.Done():
		track.Stop()
		return nil, ctx.Err()
	}
}

// readFrames はstdoutからJPEGフレームを読み取りデコードして送信する
func (c *FFmpegCapturer) readFrames(ctx context.Context, r io.Reader, frames chan<- image.Image, first chan<- struct{}) {
	var firstOnce sync.Once
	buf := make([]byte, 256*1024)
	var pending bytes.Buffer

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])

			for _, data := range splitJPEGFrames(&pending) {
				img, decodeErr := jpeg.Decode(bytes.NewReader(data))
				if decodeErr != nil {
					continue // 壊れたフレームは読み飛ばす
				}

				firstOnce.Do(func() { close(first) })

				select {
				case frames <- img:
				case <-ctx.Done():
					return
				}
			}

			if pending.Len() > maxFrameBuffer {
				pending.Reset()
			}
		}

		if err != nil {
			return
		}
	}
}

// splitJPEGFrames はバッファから完全なJPEGフレームを取り出す
// 未完成のフレームはバッファに残す
func splitJPEGFrames(buf *bytes.Buffer) [][]byte {
	var frames [][]byte
	data := buf.Bytes()

	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			data = nil
			break
		}

		end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
		if end == -1 {
			data = data[start:]
			break
		}

		end += start + len(jpegSOI) + len(jpegEOI)
		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)

		data = data[end:]
	}

	remaining := make([]byte, len(data))
	copy(remaining, data)
	buf.Reset()
	buf.Write(remaining)

	return frames
}

// classifyFFmpegError はffmpegの終了理由をプロバイダエラーへ変換する
func classifyFFmpegError(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "permission denied"):
		return fmt.Errorf("%w: %s", ErrPermission, msg)
	case strings.Contains(lower, "device or resource busy"):
		return fmt.Errorf("%w: %s", ErrDeviceBusy, msg)
	case strings.Contains(lower, "no such file or directory"),
		strings.Contains(lower, "no such device"),
		strings.Contains(lower, "cannot open display"):
		return fmt.Errorf("%w: %s", ErrNoDevice, msg)
	case strings.Contains(lower, "inappropriate ioctl"),
		strings.Contains(lower, "invalid argument"),
		strings.Contains(lower, "not supported"):
		return fmt.Errorf("%w: %s", ErrUnsupported, msg)
	}

	if err == nil {
		err = errors.New("フレームを出力せずに終了しました")
	}
	if msg == "" {
		return fmt.Errorf("ffmpegが終了しました: %w", err)
	}
	return fmt.Errorf("ffmpegが終了しました: %w (stderr: %s)", err, msg)
}

// tailBuffer は末尾 limit バイトだけを保持するWriter
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
