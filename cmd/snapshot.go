package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"attendcam/internal/camera"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "カメラから静止画を撮影する",
	Long: `カメラを一時的に開始して静止画を撮影し、終了時にカメラを解放します。

Examples:
  # 標準出力へJPEGを書き出す
  attendcam snapshot > face.jpg

  # PNGでファイルに保存
  attendcam snapshot --format png --output face.png

  # 1秒間隔で5枚をディレクトリへ保存
  attendcam snapshot --count 5 --interval 1s --output ./shots

  # data URL として出力
  attendcam snapshot --data-url`,
	Args: cobra.NoArgs,
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().String("device", "", "使用するカメラ (空の場合はデフォルト)")
	snapshotCmd.Flags().String("format", "", "画像形式 (jpeg, png)")
	snapshotCmd.Flags().Float64("quality", 0, "JPEG品質 (0-1, 0 は設定値を使用)")
	snapshotCmd.Flags().String("output", "-", "出力先 (- は標準出力、複数枚の場合はディレクトリ)")
	snapshotCmd.Flags().Int("count", 1, "撮影枚数")
	snapshotCmd.Flags().Duration("interval", 500*time.Millisecond, "複数枚撮影時の間隔")
	snapshotCmd.Flags().Bool("data-url", false, "data URL として出力する")
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	format := cfg.CaptureFormat()
	if raw := mustGetString(cmd, "format"); raw != "" {
		if format, err = camera.ParseFormat(raw); err != nil {
			return err
		}
	}
	quality := cfg.Capture.Quality
	if q := mustGetFloat64(cmd, "quality"); q > 0 {
		quality = q
	}

	count := mustGetInt(cmd, "count")
	interval := mustGetDuration(cmd, "interval")
	output := mustGetString(cmd, "output")
	dataURL := mustGetBool(cmd, "data-url")

	if count < 1 {
		return errors.New("--count は1以上を指定してください")
	}
	if count > 1 && output == "-" {
		return errors.New("複数枚撮影する場合は --output にディレクトリを指定してください")
	}

	session, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	return session.WithSession(cmd.Context(), mustGetString(cmd, "device"), func(ctx context.Context) error {
		if count == 1 {
			snapshot, err := session.Capture(format, quality)
			if err != nil {
				return err
			}
			return writeSnapshot(snapshot, output, dataURL)
		}

		if err := os.MkdirAll(output, 0o755); err != nil {
			return fmt.Errorf("出力ディレクトリの作成に失敗しました: %w", err)
		}

		bar := progressbar.NewOptions(count,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("撮影中"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)

		for i := range count {
			if i > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}

			snapshot, err := session.Capture(format, quality)
			if err != nil {
				return err
			}

			name := filepath.Join(output, snapshotFileName(snapshot, i+1))
			if err := writeSnapshot(snapshot, name, dataURL); err != nil {
				return err
			}
			_ = bar.Add(1)
		}

		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
		return nil
	})
}

// snapshotFileName は連番付きのファイル名を返す
func snapshotFileName(snapshot *camera.Snapshot, seq int) string {
	ext := "jpg"
	if snapshot.Format == camera.FormatPNG {
		ext = "png"
	}
	return fmt.Sprintf("snapshot-%s-%03d.%s", snapshot.CapturedAt.Format("20060102-150405"), seq, ext)
}

// writeSnapshot は静止画を書き出す。output が "-" の場合は標準出力
func writeSnapshot(snapshot *camera.Snapshot, output string, dataURL bool) error {
	data := snapshot.Data
	if dataURL {
		data = []byte(snapshot.DataURL() + "\n")
	}

	if output == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}

	if dataURL && filepath.Ext(output) != ".txt" {
		output += ".txt"
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("画像の保存に失敗しました: %w", err)
	}
	return nil
}
