package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	videoDevicePattern = regexp.MustCompile(`^/dev/video\d+$`)
	videoNumberPattern = regexp.MustCompile(`video(\d+)`)
)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	// 検索パターン（テスト用に差し替え可能）
	pattern string

	// テスト用に差し替え可能なファイル操作
	glob func(pattern string) ([]string, error)
	open func(device string) error
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{
		pattern: "/dev/video*",
		glob:    filepath.Glob,
		open:    openDevice,
	}
}

// openDevice はデバイスを読み取り専用で開けるか確認する
func openDevice(device string) error {
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	return file.Close()
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	var devices []string

	glob := d.glob
	if glob == nil {
		glob = filepath.Glob
	}
	matches, err := glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	// v4l2-ctl がない環境では利用可能な全デバイスを対象にする
	_, lookErr := exec.LookPath("v4l2-ctl")
	hasV4L2Ctl := lookErr == nil

	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		err := d.CheckDevice(match)
		if errors.Is(err, fs.ErrPermission) {
			// 権限がなくても一覧には残し、開始時に権限エラーとして報告する
			devices = append(devices, match)
			continue
		}
		if err != nil {
			continue
		}

		// メタデータ用のチャンネルを除外してメインカメラのみを追加
		if hasV4L2Ctl && !d.IsMainCamera(ctx, match) {
			continue
		}

		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	return d.CheckDevice(device) == nil
}

// CheckDevice はデバイスを開けるか確認し、失敗理由をそのまま返す
func (d *LinuxDiscovery) CheckDevice(device string) error {
	if !isV4L2Device(device) {
		return fmt.Errorf("%w: %s", ErrNoDevice, device)
	}

	if d.open == nil {
		return openDevice(device)
	}
	return d.open(device)
}

// DeviceName はデバイスパスから表示名を生成する
// 権限のないデバイスは名前を伏せて空文字を返す
func (d *LinuxDiscovery) DeviceName(device string) string {
	if errors.Is(d.CheckDevice(device), fs.ErrPermission) {
		return ""
	}

	// v4l2-ctlを使って実際のカメラ名を取得
	if realName := d.getV4L2DeviceName(device); realName != "" {
		return realName
	}

	// フォールバック: デバイス番号から生成
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// isV4L2Device はデバイスパスが /dev/videoN 形式かチェックする
func isV4L2Device(device string) bool {
	return videoDevicePattern.MatchString(device)
}

// getV4L2DeviceName はv4l2-ctlを使って実際のデバイス名を取得する
func (d *LinuxDiscovery) getV4L2DeviceName(device string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return ""
	}

	return parseCardType(string(output))
}

// parseCardType は v4l2-ctl --info の出力から "Card type" を抽出する
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if _, cardType, ok := strings.Cut(line, ":"); ok {
			if cardType = strings.TrimSpace(cardType); cardType != "" {
				return cardType
			}
		}
	}
	return ""
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := videoNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return num
}

// hasColorFormat はフォーマット一覧にカラー形式が含まれるかを判定する
func hasColorFormat(formats string) bool {
	return strings.Contains(formats, "YUYV") || strings.Contains(formats, "MJPG")
}

// IsMainCamera はデバイスがメインカメラ（カラー）かどうかを判定する
func (d *LinuxDiscovery) IsMainCamera(ctx context.Context, device string) bool {
	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext").Output()
	if err != nil {
		return false
	}

	// グレースケールのみのデバイスやメタデータ用チャンネルは除外
	if !hasColorFormat(string(output)) {
		return false
	}

	// 同じ物理デバイスの複数チャンネルの場合、最も小さい番号を選択
	deviceNum := extractDeviceNumber(device)
	for i := 0; i < deviceNum; i++ {
		sibling := fmt.Sprintf("/dev/video%d", i)
		if !d.IsDeviceAvailable(ctx, sibling) {
			continue
		}

		siblingOutput, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", sibling, "--list-formats-ext").Output()
		if err != nil || !hasColorFormat(string(siblingOutput)) {
			continue
		}

		if d.haveSameCameraName(device, sibling) {
			return false // より小さい番号のデバイスを優先
		}
	}

	return true
}

// haveSameCameraName は2つのデバイスが同じカメラかチェック
func (d *LinuxDiscovery) haveSameCameraName(device1, device2 string) bool {
	name1 := d.getV4L2DeviceName(device1)
	name2 := d.getV4L2DeviceName(device2)

	if name1 == "" || name2 == "" {
		return false
	}

	return name1 == name2
}
