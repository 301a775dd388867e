package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "://bad", "localhost:5000"} {
		if _, err := NewClient(raw, 0, nil); err == nil {
			t.Errorf("NewClient(%q): expected error", raw)
		}
	}
}

func TestClient_Students(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/students" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"success":true,"count":2,"students":[
			{"id":1,"nim":"2101","name":"Andi","face_id":0},
			{"id":2,"nim":"2102","name":"Budi","face_id":1}]}`)
	})

	students, err := client.Students(context.Background())
	if err != nil {
		t.Fatalf("Students failed: %v", err)
	}
	if len(students) != 2 {
		t.Fatalf("Expected 2 students, got %d", len(students))
	}
	if students[1].NIM != "2102" || students[1].FaceID != 1 {
		t.Errorf("Unexpected student: %+v", students[1])
	}
}

func TestClient_SuccessFalse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":false,"message":"No face detected"}`)
	})

	_, err := client.Recognize(context.Background(), "data:image/jpeg;base64,AAAA")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.Message != "No face detected" {
		t.Errorf("Unexpected message: %s", apiErr.Message)
	}
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
	}{
		{"混雑", http.StatusTooManyRequests, `{"success":false,"message":"System is busy"}`, ErrBusy},
		{"利用不可", http.StatusServiceUnavailable, `{"success":false,"message":"System components not available"}`, ErrUnavailable},
		{"HTML", http.StatusServiceUnavailable, `<html>down</html>`, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := client.TodayAttendance(context.Background())
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("Expected %v, got %v", tt.sentinel, err)
			}
			if StatusOf(err) != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, StatusOf(err))
			}
		})
	}
}

func TestClient_MissingSuccessField(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"stats":{}}`)
	})

	if _, err := client.Stats(context.Background()); err == nil {
		t.Error("Expected error when success field is missing")
	}
}

func TestClient_Register(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/register" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected JSON content type, got %s", r.Header.Get("Content-Type"))
		}

		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			return
		}
		if req.NIM != "2101" || req.Name != "Andi" {
			t.Errorf("Expected trimmed fields, got %+v", req)
		}

		writeJSON(w, http.StatusOK, `{"success":true,"message":"Student Andi registered successfully!","face_id":3,"nim":"2101"}`)
	})

	result, err := client.Register(context.Background(), RegisterRequest{
		NIM:   " 2101 ",
		Name:  "Andi\n",
		Image: "data:image/jpeg;base64,AAAA",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if result.FaceID != 3 {
		t.Errorf("Expected face_id 3, got %d", result.FaceID)
	}
}

func TestClient_RegisterValidation(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := client.Register(context.Background(), RegisterRequest{NIM: "  ", Name: "Andi", Image: "x"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
	if _, err := client.Recognize(context.Background(), ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for empty image, got %v", err)
	}
	if called {
		t.Error("Expected no request to be sent")
	}
}

func TestClient_Recognize(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true,"faces_detected":1,"timestamp":"2024-05-01 08:00:00","results":[{
			"face_id":2,"nim":"2102","name":"Budi","confidence":82.5,
			"bounding_box":{"x":10,"y":20,"width":120,"height":130},
			"lighting":"Normal","recognized":true,
			"attendance":{"status":"already","record":{"id":9,"nim":"2102","name":"Budi","date":"2024-05-01","time":"07:55:00"}}}]}`)
	})

	result, err := client.Recognize(context.Background(), "data:image/jpeg;base64,AAAA")
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	best := result.Best()
	if best == nil {
		t.Fatal("Expected a recognition result")
	}
	if !best.Recognized || best.NIM != "2102" || best.BoundingBox.Width != 120 {
		t.Errorf("Unexpected recognition: %+v", best)
	}
	if best.Attendance == nil || best.Attendance.Status != OutcomeAlready {
		t.Errorf("Expected already outcome, got %+v", best.Attendance)
	}
	if best.Attendance.Record == nil || best.Attendance.Record.ID != 9 {
		t.Errorf("Expected existing record, got %+v", best.Attendance.Record)
	}
}

func TestClient_RecognizeUnknownFace(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true,"faces_detected":1,"results":[{
			"face_id":null,"nim":null,"name":"Unknown","confidence":12.3,
			"bounding_box":{"x":0,"y":0,"width":100,"height":100},"lighting":"Dim","recognized":false}]}`)
	})

	result, err := client.Recognize(context.Background(), "data:image/jpeg;base64,AAAA")
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if best := result.Best(); best == nil || best.Recognized || best.Attendance != nil {
		t.Errorf("Expected unrecognized face without attendance, got %+v", best)
	}
}

func TestClient_AttendanceByDate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/attendance/date/2024-05-01" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"success":true,"date":"2024-05-01","count":0,"attendance":[]}`)
	})

	result, err := client.AttendanceByDate(context.Background(), "2024-05-01")
	if err != nil {
		t.Fatalf("AttendanceByDate failed: %v", err)
	}
	if result.Date != "2024-05-01" {
		t.Errorf("Unexpected date: %s", result.Date)
	}

	for _, bad := range []string{"2024/05/01", "2024-13-01", "../stats", ""} {
		if _, err := client.AttendanceByDate(context.Background(), bad); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("AttendanceByDate(%q): expected ErrInvalidRequest, got %v", bad, err)
		}
	}
}

func TestClient_Health(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		healthy bool
	}{
		{"正常", http.StatusOK, `{"status":"healthy","components":{"database":"connected"}}`, true},
		{"異常", http.StatusServiceUnavailable, `{"status":"unhealthy","components":{"database":"disconnected"}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			health, err := client.Health(context.Background())
			if err != nil {
				t.Fatalf("Health failed: %v", err)
			}
			if health.Healthy() != tt.healthy {
				t.Errorf("Expected healthy=%v, got %+v", tt.healthy, health)
			}
		})
	}
}

func TestClient_SystemStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":false,"database":"disconnected","face_model":"loaded","students_count":4,"recognition_queue":1}`)
	})

	status, err := client.SystemStatus(context.Background())
	if err != nil {
		t.Fatalf("SystemStatus failed: %v", err)
	}
	if status.Success || status.Database != "disconnected" || status.StudentsCount != 4 {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestClient_Optimize(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/system/optimize" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"success":true,"message":"System optimization completed"}`)
	})

	message, err := client.Optimize(context.Background())
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if message != "System optimization completed" {
		t.Errorf("Unexpected message: %s", message)
	}
}

func TestIsClientError(t *testing.T) {
	if !IsClientError(ErrInvalidRequest) {
		t.Error("Expected ErrInvalidRequest to be a client error")
	}
	if !IsClientError(&APIError{StatusCode: http.StatusBadRequest}) {
		t.Error("Expected 400 to be a client error")
	}
	if IsClientError(&APIError{StatusCode: http.StatusTooManyRequests}) {
		t.Error("Expected 429 not to be a client error")
	}
	if IsClientError(&APIError{StatusCode: http.StatusInternalServerError}) {
		t.Error("Expected 500 not to be a client error")
	}
}

func TestRegisterRequest_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   RegisterRequest
		want RegisterRequest
	}{
		{
			name: "trim",
			in:   RegisterRequest{NIM: " 2101\t", Name: " Andi ", Image: "x "},
			want: RegisterRequest{NIM: "2101", Name: "Andi", Image: "x"},
		},
		{
			name: "collapse spaces",
			in:   RegisterRequest{NIM: "2102", Name: "Budi   Santoso\n", Image: "x"},
			want: RegisterRequest{NIM: "2102", Name: "Budi Santoso", Image: "x"},
		},
		{
			name: "nfc",
			in:   RegisterRequest{NIM: "2103", Name: "Jose\u0301", Image: "x"},
			want: RegisterRequest{NIM: "2103", Name: "Jos\u00e9", Image: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.normalize(); got != tt.want {
				t.Errorf("normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
