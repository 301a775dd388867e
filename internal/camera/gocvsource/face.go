package gocvsource

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// 検出パラメータ
const (
	scaleFactor  = 1.1
	minNeighbors = 5
	minFaceSize  = 100
)

// FaceDetector はHaar Cascadeで顔の有無を判定する
type FaceDetector struct {
	classifier gocv.CascadeClassifier
	mu         sync.Mutex // 推論を保護
}

// NewFaceDetector はカスケードファイルを読み込んで検出器を作成する
func NewFaceDetector(cascadePath string) (*FaceDetector, error) {
	if _, err := os.Stat(cascadePath); err != nil {
		return nil, fmt.Errorf("カスケードファイルが見つかりません: %w", err)
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cascadePath) {
		_ = classifier.Close()
		return nil, fmt.Errorf("カスケードファイルの読み込みに失敗: %s", cascadePath)
	}

	return &FaceDetector{classifier: classifier}, nil
}

// Detect はフレーム内の顔領域を返す
func (d *FaceDetector) Detect(frame image.Image) ([]image.Rectangle, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, errors.New("空のフレームです")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, fmt.Errorf("フレームの変換に失敗: %w", err)
	}
	defer img.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	faces := d.classifier.DetectMultiScaleWithParams(
		gray,
		scaleFactor,
		minNeighbors,
		0,
		image.Pt(minFaceSize, minFaceSize),
		image.Pt(0, 0),
	)

	return faces, nil
}

// HasFace はフレームに顔が1つ以上含まれるかを返す
func (d *FaceDetector) HasFace(frame image.Image) (bool, error) {
	faces, err := d.Detect(frame)
	if err != nil {
		return false, err
	}
	return len(faces) > 0, nil
}

// Close は検出器の資源を解放する
func (d *FaceDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.Close()
}
