package attendance

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Student は登録済みの学生
type Student struct {
	ID        int    `json:"id"`
	NIM       string `json:"nim"`
	Name      string `json:"name"`
	FaceID    int    `json:"face_id"`
	CreatedAt string `json:"created_at,omitempty"`
}

// AttendanceRecord は1件の出席記録
type AttendanceRecord struct {
	ID                int     `json:"id"`
	StudentID         int     `json:"student_id"`
	NIM               string  `json:"nim"`
	Name              string  `json:"name"`
	Date              string  `json:"date"`
	Time              string  `json:"time"`
	Confidence        float64 `json:"confidence"`
	LightingCondition string  `json:"lighting_condition,omitempty"`
	FaceID            int     `json:"face_id,omitempty"`
	CreatedAt         string  `json:"created_at,omitempty"`
}

// AttendanceStats は出席の集計
type AttendanceStats struct {
	TotalStudents      int `json:"total_students"`
	TodayAttendance    int `json:"today_attendance"`
	RegisteredStudents int `json:"registered_students"`
}

// LogEntry はシステムの操作ログ
type LogEntry struct {
	ID        int    `json:"id"`
	Activity  string `json:"activity"`
	Details   string `json:"details"`
	CreatedAt string `json:"created_at"`
}

// Health はサービスのヘルスチェック結果
type Health struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// Healthy はサービスが正常かを返す
func (h *Health) Healthy() bool {
	return h.Status == "healthy"
}

// SystemStatus はサービスの稼働状態
type SystemStatus struct {
	Success          bool   `json:"success"`
	Database         string `json:"database"`
	FaceModel        string `json:"face_model"`
	StudentsCount    int    `json:"students_count"`
	RecognitionQueue int    `json:"recognition_queue"`
	Timestamp        string `json:"timestamp"`
	Message          string `json:"message,omitempty"`
}

// BoundingBox は検出された顔の領域
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// 出席登録の結果
const (
	OutcomeSuccess = "success"
	OutcomeAlready = "already"
	OutcomeError   = "error"
)

// AttendanceOutcome は認識後の出席登録結果
type AttendanceOutcome struct {
	Status       string            `json:"status"`
	AttendanceID int               `json:"attendance_id,omitempty"`
	Record       *AttendanceRecord `json:"record,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// Recognition は1つの顔に対する認識結果
type Recognition struct {
	FaceID      int                `json:"face_id"`
	NIM         string             `json:"nim"`
	Name        string             `json:"name"`
	Confidence  float64            `json:"confidence"`
	BoundingBox BoundingBox        `json:"bounding_box"`
	Lighting    string             `json:"lighting"`
	Recognized  bool               `json:"recognized"`
	Attendance  *AttendanceOutcome `json:"attendance,omitempty"`
	Student     *Student           `json:"db_student,omitempty"`
}

// RecognizeResult は認識APIのレスポンス
type RecognizeResult struct {
	FacesDetected int           `json:"faces_detected"`
	Results       []Recognition `json:"results"`
	Timestamp     string        `json:"timestamp"`
}

// Best は最初の認識結果を返す。顔がない場合は nil
func (r *RecognizeResult) Best() *Recognition {
	if len(r.Results) == 0 {
		return nil
	}
	return &r.Results[0]
}

// RegisterResult は登録APIのレスポンス
type RegisterResult struct {
	Message string `json:"message"`
	FaceID  int    `json:"face_id"`
	NIM     string `json:"nim"`
}

// TodayAttendance は当日の出席一覧
type TodayAttendance struct {
	Date       string             `json:"date"`
	Count      int                `json:"count"`
	Attendance []AttendanceRecord `json:"attendance"`
	Stats      AttendanceStats    `json:"stats"`
}

// DateAttendance は指定日の出席一覧
type DateAttendance struct {
	Date       string             `json:"date"`
	Count      int                `json:"count"`
	Attendance []AttendanceRecord `json:"attendance"`
}

// Stats は集計と最近のログ
type Stats struct {
	Stats      AttendanceStats `json:"stats"`
	RecentLogs []LogEntry      `json:"recent_logs"`
}

// RegisterRequest は登録APIのリクエスト
type RegisterRequest struct {
	NIM   string `json:"nim"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// normalize は前後の空白を取り除き、氏名をNFCに正規化して連続する空白をまとめる
func (r RegisterRequest) normalize() RegisterRequest {
	return RegisterRequest{
		NIM:   strings.TrimSpace(r.NIM),
		Name:  strings.Join(strings.Fields(norm.NFC.String(r.Name)), " "),
		Image: strings.TrimSpace(r.Image),
	}
}

type recognizeRequest struct {
	Image string `json:"image"`
}

// envelope は全レスポンス共通のフィールド
type envelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}
