package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"attendcam/internal/attendance"
	"attendcam/internal/camera"
	"attendcam/internal/config"
)

// fakeAttendance は出席サービスのテスト用実装
type fakeAttendance struct {
	mu          sync.Mutex
	err         error
	images      []string
	registered  []attendance.RegisterRequest
	recognition *attendance.RecognizeResult
}

func (f *fakeAttendance) Health(context.Context) (*attendance.Health, error) {
	return &attendance.Health{Status: "healthy"}, f.err
}

func (f *fakeAttendance) SystemStatus(context.Context) (*attendance.SystemStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &attendance.SystemStatus{Success: true, Database: "connected", StudentsCount: 2}, nil
}

func (f *fakeAttendance) TodayAttendance(context.Context) (*attendance.TodayAttendance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &attendance.TodayAttendance{Date: "2026-10-19", Count: 1}, nil
}

func (f *fakeAttendance) AttendanceByDate(_ context.Context, date string) (*attendance.DateAttendance, error) {
	if err := attendance.ValidateDate(date); err != nil {
		return nil, err
	}
	return &attendance.DateAttendance{Date: date}, nil
}

func (f *fakeAttendance) Stats(context.Context) (*attendance.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &attendance.Stats{}, nil
}

func (f *fakeAttendance) Students(context.Context) ([]attendance.Student, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []attendance.Student{{NIM: "2101", Name: "Andi"}}, nil
}

func (f *fakeAttendance) Register(_ context.Context, req attendance.RegisterRequest) (*attendance.RegisterResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.registered = append(f.registered, req)
	return &attendance.RegisterResult{Message: "ok", FaceID: 3, NIM: req.NIM}, nil
}

func (f *fakeAttendance) Recognize(_ context.Context, image string) (*attendance.RecognizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.images = append(f.images, image)
	if f.recognition != nil {
		return f.recognition, nil
	}
	return &attendance.RecognizeResult{FacesDetected: 0}, nil
}

type testEnv struct {
	server   *Server
	provider *camera.MockProvider
	session  *camera.SessionManager
	service  *fakeAttendance
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Camera.Provider = config.ProviderMock
	cfg.Camera.FrameRate = 50
	cfg.Camera.AcquireTimeout = time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := camera.NewMockProvider("camA", "camB")
	provider.SetFrameSize(64, 48)
	session := camera.NewSessionManager(provider, nil, logger, cfg.CameraOptions())
	t.Cleanup(func() { _ = session.Close() })

	service := &fakeAttendance{}
	srv := New(cfg, session, service, nil, logger)

	return &testEnv{server: srv, provider: provider, session: session, service: service}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// startCamera はセッションを開始して最初のフレームを待つ
func (e *testEnv) startCamera(t *testing.T, deviceID string) {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/api/session/start", fmt.Sprintf(`{"device_id":%q}`, deviceID))
	if rec.Code != http.StatusOK {
		t.Fatalf("Start failed: %d %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.session.Frame(); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for first frame")
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode body %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "running" {
		t.Errorf("Unexpected status body: %v", body)
	}
	if _, ok := body["autoscan"]; ok {
		t.Error("autoscan should be omitted when scanner is nil")
	}
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Errorf("Unexpected content type: %s", rec.Header().Get("Content-Type"))
	}

	rec = env.do(t, http.MethodGet, "/static/kiosk.js", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected static asset, got %d", rec.Code)
	}
}

func TestGetDevices(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := decodeBody[struct {
		Devices []camera.Device `json:"devices"`
		Active  string          `json:"active"`
	}](t, rec)
	if len(body.Devices) != 2 || body.Devices[0].ID != "camA" {
		t.Errorf("Unexpected devices: %+v", body.Devices)
	}
	if body.Active != "" {
		t.Errorf("Expected no active device, got %q", body.Active)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.startCamera(t, "camA")

	rec := env.do(t, http.MethodGet, "/api/session/snapshot?format=png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Snapshot failed: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %s", ct)
	}
	if rec.Header().Get("X-Device-Id") != "camA" {
		t.Errorf("Unexpected device header: %s", rec.Header().Get("X-Device-Id"))
	}

	rec = env.do(t, http.MethodPost, "/api/session/switch", `{"device_id":"camB"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Switch failed: %d %s", rec.Code, rec.Body.String())
	}
	status := decodeBody[camera.SessionStatus](t, rec)
	if status.DeviceID != "camB" || status.State != camera.StateActive {
		t.Errorf("Unexpected status after switch: %+v", status)
	}

	rec = env.do(t, http.MethodPost, "/api/session/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Stop failed: %d", rec.Code)
	}
	if env.provider.LiveTracks() != 0 {
		t.Errorf("Expected all tracks stopped, got %d", env.provider.LiveTracks())
	}

	rec = env.do(t, http.MethodGet, "/api/session/snapshot", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 after stop, got %d", rec.Code)
	}
	errBody := decodeBody[ErrorResponse](t, rec)
	if errBody.Error != string(camera.KindNotReady) {
		t.Errorf("Expected not_ready, got %q", errBody.Error)
	}
}

func TestSessionErrors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*testEnv)
		method     string
		path       string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "unknown device",
			method:     http.MethodPost,
			path:       "/api/session/start",
			body:       `{"device_id":"missing"}`,
			wantStatus: http.StatusNotFound,
			wantError:  string(camera.KindDeviceNotFound),
		},
		{
			name:       "permission denied",
			setup:      func(e *testEnv) { e.provider.SetAcquireError(camera.ErrPermission) },
			method:     http.MethodPost,
			path:       "/api/session/start",
			wantStatus: http.StatusForbidden,
			wantError:  string(camera.KindPermissionDenied),
		},
		{
			name:       "device busy",
			setup:      func(e *testEnv) { e.provider.SetAcquireError(camera.ErrDeviceBusy) },
			method:     http.MethodPost,
			path:       "/api/session/start",
			wantStatus: http.StatusConflict,
			wantError:  string(camera.KindDeviceBusy),
		},
		{
			name:       "switch without device",
			method:     http.MethodPost,
			path:       "/api/session/switch",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "invalid snapshot format",
			method:     http.MethodGet,
			path:       "/api/session/snapshot?format=gif",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "visibility without hidden",
			method:     http.MethodPost,
			path:       "/api/session/visibility",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "stream while idle",
			method:     http.MethodGet,
			path:       "/api/session/stream",
			wantStatus: http.StatusConflict,
			wantError:  string(camera.KindNotReady),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}

			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			body := decodeBody[ErrorResponse](t, rec)
			if body.Error != tt.wantError {
				t.Errorf("Expected error %q, got %q", tt.wantError, body.Error)
			}
		})
	}
}

func TestSetVisibility(t *testing.T) {
	env := newTestEnv(t)
	env.startCamera(t, "camA")

	rec := env.do(t, http.MethodPost, "/api/session/visibility", `{"hidden":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Visibility failed: %d", rec.Code)
	}
	status := decodeBody[camera.SessionStatus](t, rec)
	if !status.Hidden || !status.Paused {
		t.Errorf("Expected hidden and paused, got %+v", status)
	}

	rec = env.do(t, http.MethodPost, "/api/session/visibility", `{"hidden":false}`)
	status = decodeBody[camera.SessionStatus](t, rec)
	if status.Hidden || status.Paused {
		t.Errorf("Expected visible and playing, got %+v", status)
	}
}

func TestRecognize(t *testing.T) {
	env := newTestEnv(t)

	// カメラ停止中は出席サービスを呼ばない
	rec := env.do(t, http.MethodPost, "/api/recognize", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409 while idle, got %d", rec.Code)
	}
	if len(env.service.images) != 0 {
		t.Fatal("Recognize should not be called while idle")
	}

	env.service.recognition = &attendance.RecognizeResult{
		FacesDetected: 1,
		Results:       []attendance.Recognition{{NIM: "2101", Name: "Andi", Recognized: true}},
	}
	env.startCamera(t, "camA")

	rec = env.do(t, http.MethodPost, "/api/recognize", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Recognize failed: %d %s", rec.Code, rec.Body.String())
	}
	if len(env.service.images) != 1 || !strings.HasPrefix(env.service.images[0], "data:image/jpeg;base64,") {
		t.Errorf("Unexpected image payload: %v", env.service.images)
	}

	body := decodeBody[struct {
		Success bool                        `json:"success"`
		Result  *attendance.RecognizeResult `json:"result"`
	}](t, rec)
	if !body.Success || body.Result.Best().NIM != "2101" {
		t.Errorf("Unexpected body: %+v", body)
	}
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	env.startCamera(t, "camA")

	rec := env.do(t, http.MethodPost, "/api/register", `{"nim":"2101"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without name, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/register", `{"nim":"2101","name":"Andi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Register failed: %d %s", rec.Code, rec.Body.String())
	}
	if len(env.service.registered) != 1 {
		t.Fatalf("Expected 1 registration, got %d", len(env.service.registered))
	}
	got := env.service.registered[0]
	if got.NIM != "2101" || got.Name != "Andi" || !strings.HasPrefix(got.Image, "data:image/") {
		t.Errorf("Unexpected registration: %+v", got)
	}
}

func TestAttendanceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"busy", &attendance.APIError{StatusCode: http.StatusTooManyRequests, Message: "busy"}, http.StatusTooManyRequests, "attendance_error"},
		{"unavailable", &attendance.APIError{StatusCode: http.StatusServiceUnavailable, Message: "down"}, http.StatusServiceUnavailable, "attendance_error"},
		{"success false", &attendance.APIError{StatusCode: http.StatusOK, Message: "failed"}, http.StatusBadGateway, "attendance_error"},
		{"unreachable", fmt.Errorf("dial tcp: connection refused"), http.StatusBadGateway, "attendance_unreachable"},
		{"invalid", fmt.Errorf("%w: nim は必須です", attendance.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{"rejected", &attendance.APIError{StatusCode: http.StatusBadRequest, Message: "Invalid image"}, http.StatusBadRequest, "invalid_request"},
		{"not found", &attendance.APIError{StatusCode: http.StatusNotFound, Message: "missing"}, http.StatusNotFound, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.service.err = tt.err

			rec := env.do(t, http.MethodGet, "/api/students", "")
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, rec.Code)
			}

			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if resp.Error != tt.wantCode {
				t.Errorf("Expected error code %q, got %q", tt.wantCode, resp.Error)
			}
		})
	}
}

func TestAttendanceQueries(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/students", http.StatusOK},
		{"/api/attendance/today", http.StatusOK},
		{"/api/attendance/date/2026-10-19", http.StatusOK},
		{"/api/attendance/date/19-10-2026", http.StatusBadRequest},
		{"/api/stats", http.StatusOK},
		{"/api/system/status", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAutoscanUnavailable(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/autoscan/start", "/api/autoscan/stop"} {
		rec := env.do(t, http.MethodPost, path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/api/autoscan", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestStreamMJPEG(t *testing.T) {
	env := newTestEnv(t)
	env.startCamera(t, "camA")

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/session/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace") {
		t.Fatalf("Unexpected content type: %s", resp.Header.Get("Content-Type"))
	}

	buf := make([]byte, 4096)
	var got []byte
	for !bytes.Contains(got, []byte{0xFF, 0xD8}) {
		n, err := resp.Body.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			t.Fatalf("Read failed before first frame: %v", err)
		}
	}
	if !bytes.HasPrefix(got, []byte("--frame\r\n")) {
		t.Errorf("Expected frame boundary, got %q", got[:min(len(got), 32)])
	}
}

func TestEventsWebSocket(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/session/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	readEvent := func() camera.Event {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var event camera.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		return event
	}

	if initial := readEvent(); initial.State != camera.StateIdle {
		t.Errorf("Expected initial idle event, got %+v", initial)
	}

	if err := env.session.Start(context.Background(), "camB"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// starting → active の順に届く
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		event := readEvent()
		if event.State == camera.StateActive {
			if event.DeviceID != "camB" {
				t.Errorf("Expected camB, got %q", event.DeviceID)
			}
			return
		}
	}
	t.Fatal("Did not receive active event")
}

func TestServerServeAndShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.startCamera(t, "camA")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- env.server.Serve(ctx, listener)
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown timed out")
	}

	if env.session.State() != camera.StateIdle {
		t.Errorf("Expected idle after shutdown, got %s", env.session.State())
	}
	if env.provider.LiveTracks() != 0 {
		t.Errorf("Expected tracks released, got %d", env.provider.LiveTracks())
	}
}
