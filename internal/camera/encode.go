package camera

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"strings"
	"time"

	"golang.org/x/image/draw"
)

// Format はスナップショットのエンコード形式
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// DefaultQuality は品質が範囲外の場合に使うJPEG品質
const DefaultQuality = 0.92

// normalizeQuality は範囲外の品質を DefaultQuality に置き換える
func normalizeQuality(quality float64) float64 {
	if quality <= 0 || quality > 1 {
		return DefaultQuality
	}
	return quality
}

// ParseFormat は文字列をFormatへ変換する。空文字列はJPEG
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jpeg", "jpg", "image/jpeg":
		return FormatJPEG, nil
	case "png", "image/png":
		return FormatPNG, nil
	default:
		return "", fmt.Errorf("サポートされていない画像形式: %s", s)
	}
}

// MIMEType はMIMEタイプを返す
func (f Format) MIMEType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Snapshot はエンコード済みの静止画
type Snapshot struct {
	Data       []byte
	Format     Format
	Quality    float64
	Width      int
	Height     int
	DeviceID   string
	CapturedAt time.Time
}

// DataURL は data URL 形式の文字列を返す
func (s *Snapshot) DataURL() string {
	return "data:" + s.Format.MIMEType() + ";base64," + base64.StdEncoding.EncodeToString(s.Data)
}

// renderFrame はフレームをオフスクリーンのRGBAラスタへ描画する
// maxWidth が正でフレーム幅を超える場合は縦横比を保って縮小する
func renderFrame(frame image.Image, maxWidth int) *image.RGBA {
	src := frame.Bounds()
	width, height := src.Dx(), src.Dy()

	if maxWidth > 0 && width > maxWidth {
		height = int(math.Round(float64(height) * float64(maxWidth) / float64(width)))
		width = maxWidth
		if height < 1 {
			height = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), frame, src, draw.Src, nil)
		return dst
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), frame, src.Min, draw.Src)
	return dst
}

// Encode は画像を指定形式でエンコードする
// quality は0より大きく1以下で、範囲外の場合は DefaultQuality を使う。PNGでは無視される
func Encode(img image.Image, format Format, quality float64) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case FormatJPEG, "":
		q := int(math.Round(normalizeQuality(quality) * 100))
		if q < 1 {
			q = 1
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
		}
	case FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("PNGエンコードに失敗: %w", err)
		}
	default:
		return nil, fmt.Errorf("サポートされていない画像形式: %s", format)
	}

	return buf.Bytes(), nil
}
