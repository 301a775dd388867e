package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"attendcam/internal/attendance"
	"attendcam/internal/config"
)

var registerCmd = &cobra.Command{
	Use:   "register <nim> <name>",
	Short: "カメラの画像で学生を登録する",
	Long: `カメラで撮影した顔画像（または --image で指定した画像）で学生を登録します。

Examples:
  attendcam register 2101 "Andi Wijaya"
  attendcam register 2101 "Andi Wijaya" --image andi.jpg`,
	Args: cobra.ExactArgs(2),
	RunE: runRegister,
}

var recognizeCmd = &cobra.Command{
	Use:   "recognize",
	Short: "カメラの画像で顔認識と出席登録を行う",
	Args:  cobra.NoArgs,
	RunE:  runRecognize,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(recognizeCmd)

	for _, c := range []*cobra.Command{registerCmd, recognizeCmd} {
		c.Flags().String("device", "", "使用するカメラ (空の場合はデフォルト)")
		c.Flags().String("image", "", "カメラの代わりに使う画像ファイル")
	}
	recognizeCmd.Flags().Bool("json", false, "JSON で出力する")
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	client, err := newAttendanceClient(cfg, logger)
	if err != nil {
		return err
	}

	image, err := acquireImage(cmd, cfg, logger)
	if err != nil {
		return err
	}

	result, err := client.Register(cmd.Context(), attendance.RegisterRequest{
		NIM:   args[0],
		Name:  args[1],
		Image: image,
	})
	if err != nil {
		return fmt.Errorf("登録に失敗しました: %w", err)
	}

	fmt.Printf("%s (NIM: %s, face_id: %d)\n", result.Message, result.NIM, result.FaceID)
	return nil
}

func runRecognize(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	client, err := newAttendanceClient(cfg, logger)
	if err != nil {
		return err
	}

	image, err := acquireImage(cmd, cfg, logger)
	if err != nil {
		return err
	}

	result, err := client.Recognize(cmd.Context(), image)
	if err != nil {
		return fmt.Errorf("認識に失敗しました: %w", err)
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if result.FacesDetected == 0 {
		fmt.Println("顔が検出されませんでした")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NIM\tNAME\tCONFIDENCE\tATTENDANCE")
	for _, r := range result.Results {
		if !r.Recognized {
			fmt.Fprintf(w, "-\t(未登録)\t%.2f\t-\n", r.Confidence)
			continue
		}
		status := "-"
		if r.Attendance != nil {
			status = r.Attendance.Status
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", r.NIM, r.Name, r.Confidence, status)
	}
	return w.Flush()
}

// acquireImage は --image のファイル、またはカメラから data URL を取得する
func acquireImage(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (string, error) {
	if path := mustGetString(cmd, "image"); path != "" {
		return fileDataURL(path)
	}

	session, err := newSession(cfg, logger)
	if err != nil {
		return "", err
	}
	defer session.Close()

	var image string
	err = session.WithSession(cmd.Context(), mustGetString(cmd, "device"), func(context.Context) error {
		snapshot, err := session.Capture(cfg.CaptureFormat(), cfg.Capture.Quality)
		if err != nil {
			return err
		}
		image = snapshot.DataURL()
		return nil
	})
	return image, err
}

// fileDataURL は画像ファイルを data URL に変換する
func fileDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("画像の読み込みに失敗しました: %w", err)
	}

	mimeType := http.DetectContentType(data)
	if mimeType != "image/jpeg" && mimeType != "image/png" {
		return "", fmt.Errorf("未対応の画像形式です: %s", mimeType)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
