// Package attendance は顔認識出席サービスのHTTPクライアントを提供する
package attendance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout はリクエストの既定タイムアウト
const DefaultTimeout = 30 * time.Second

// dateLayout は日付パラメータの形式
const dateLayout = "2006-01-02"

// maxErrorBody はエラーメッセージとして読み取るボディの上限
const maxErrorBody = 4096

// Client は出席サービスのクライアント
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient は新しいClientを作成する
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("無効なサービスURL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("無効なサービスURL: スキームは http または https である必要があります: %s", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "attendance"),
	}, nil
}

// BaseURL はサービスのベースURLを返す
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Health はサービスのヘルスチェックを行う
// 503 の場合もレスポンスを返し、Healthy() が false になる
func (c *Client) Health(ctx context.Context) (*Health, error) {
	status, body, err := c.send(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, &APIError{StatusCode: status, Message: errorMessage(body)}
	}

	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("レスポンスの解析に失敗: %w", err)
	}
	return &health, nil
}

// SystemStatus はサービスの稼働状態を取得する
// success:false でも状態を含むため、HTTP 200 ならエラーにしない
func (c *Client) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	status, body, err := c.send(ctx, http.MethodGet, "/api/system/status", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{StatusCode: status, Message: errorMessage(body)}
	}

	var result SystemStatus
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("レスポンスの解析に失敗: %w", err)
	}
	return &result, nil
}

// TodayAttendance は当日の出席一覧を取得する
func (c *Client) TodayAttendance(ctx context.Context) (*TodayAttendance, error) {
	return doJSON[TodayAttendance](ctx, c, http.MethodGet, "/api/attendance/today", nil)
}

// AttendanceByDate は指定日の出席一覧を取得する。date は YYYY-MM-DD
func (c *Client) AttendanceByDate(ctx context.Context, date string) (*DateAttendance, error) {
	if err := ValidateDate(date); err != nil {
		return nil, err
	}
	return doJSON[DateAttendance](ctx, c, http.MethodGet, "/api/attendance/date/"+url.PathEscape(date), nil)
}

// Stats は集計と最近のログを取得する
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	return doJSON[Stats](ctx, c, http.MethodGet, "/api/stats", nil)
}

// Students は登録済みの学生一覧を取得する
func (c *Client) Students(ctx context.Context) ([]Student, error) {
	result, err := doJSON[struct {
		Count    int       `json:"count"`
		Students []Student `json:"students"`
	}](ctx, c, http.MethodGet, "/api/students", nil)
	if err != nil {
		return nil, err
	}
	if result.Students == nil {
		return []Student{}, nil
	}
	return result.Students, nil
}

// Register は顔画像とともに学生を登録する
// image は data URL 形式のエンコード済み静止画
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	req = req.normalize()
	if req.NIM == "" || req.Name == "" || req.Image == "" {
		return nil, fmt.Errorf("%w: NIM、氏名、画像は必須です", ErrInvalidRequest)
	}

	result, err := doJSON[RegisterResult](ctx, c, http.MethodPost, "/api/register", req)
	if err != nil {
		return nil, err
	}

	c.logger.Info("学生を登録しました", "nim", result.NIM, "face_id", result.FaceID)
	return result, nil
}

// Recognize は顔画像を認識して出席を記録する
func (c *Client) Recognize(ctx context.Context, image string) (*RecognizeResult, error) {
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("%w: 画像は必須です", ErrInvalidRequest)
	}
	return doJSON[RecognizeResult](ctx, c, http.MethodPost, "/api/recognize", recognizeRequest{Image: image})
}

// Optimize はサービス側のテーブル最適化を実行する
func (c *Client) Optimize(ctx context.Context) (string, error) {
	result, err := doJSON[envelope](ctx, c, http.MethodPost, "/api/system/optimize", nil)
	if err != nil {
		return "", err
	}
	return result.Message, nil
}

// ValidateDate は日付が YYYY-MM-DD 形式かを検証する
func ValidateDate(date string) error {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return fmt.Errorf("%w: 日付は YYYY-MM-DD 形式で指定してください: %q", ErrInvalidRequest, date)
	}
	return nil
}

// doJSON はリクエストを送信し、共通エンベロープを検証してから結果をデコードする
func doJSON[T any](ctx context.Context, c *Client, method, endpoint string, requestBody any) (*T, error) {
	status, body, err := c.send(ctx, method, endpoint, requestBody)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status < 200 || status >= 300 {
			return nil, &APIError{StatusCode: status, Message: errorMessage(body)}
		}
		return nil, fmt.Errorf("レスポンスの解析に失敗: %w", err)
	}

	if status < 200 || status >= 300 || env.Success == nil || !*env.Success {
		message := env.Message
		if message == "" && env.Success == nil {
			message = "success フィールドがありません"
		}
		return nil, &APIError{StatusCode: status, Message: message}
	}

	var result T
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("レスポンスの解析に失敗: %w", err)
	}
	return &result, nil
}

// send はリクエストを送信してステータスとボディを返す
func (c *Client) send(ctx context.Context, method, endpoint string, requestBody any) (int, []byte, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		jsonBody, err := json.Marshal(requestBody)
		if err != nil {
			return 0, nil, fmt.Errorf("リクエストのエンコードに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	target := c.baseURL.JoinPath(endpoint).String()
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("出席サービスへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}

	c.logger.Debug("出席サービスへのリクエスト",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	return resp.StatusCode, body, nil
}

// errorMessage はエラーレスポンスからメッセージを取り出す
func errorMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return msg
}

// IsClientError は呼び出し側の入力に起因するエラーかを返す
func IsClientError(err error) bool {
	if errors.Is(err, ErrInvalidRequest) {
		return true
	}
	status := StatusOf(err)
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}
