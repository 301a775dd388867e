package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"attendcam/internal/attendance"
)

var studentsCmd = &cobra.Command{
	Use:   "students",
	Short: "登録済みの学生を一覧表示する",
	Args:  cobra.NoArgs,
	RunE:  runStudents,
}

var attendanceCmd = &cobra.Command{
	Use:   "attendance [date]",
	Short: "出席一覧を表示する",
	Long: `当日または指定日 (YYYY-MM-DD) の出席一覧を表示します。

Examples:
  attendcam attendance
  attendcam attendance 2026-10-19`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttendance,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "出席の集計と最近のログを表示する",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "出席サービスの稼働状態を表示する",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "出席サービスのデータベース最適化を実行する",
	Args:  cobra.NoArgs,
	RunE:  runOptimize,
}

func init() {
	for _, c := range []*cobra.Command{studentsCmd, attendanceCmd, statsCmd, statusCmd, optimizeCmd} {
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{studentsCmd, attendanceCmd, statsCmd, statusCmd} {
		c.Flags().Bool("json", false, "JSON で出力する")
	}
}

func newQueryClient() (*attendance.Client, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	return newAttendanceClient(cfg, logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStudents(cmd *cobra.Command, _ []string) error {
	client, err := newQueryClient()
	if err != nil {
		return err
	}

	students, err := client.Students(cmd.Context())
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return printJSON(students)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NIM\tNAME\tFACE_ID\tCREATED_AT")
	for _, s := range students {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.NIM, s.Name, s.FaceID, s.CreatedAt)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n合計: %d 人\n", len(students))
	return nil
}

func runAttendance(cmd *cobra.Command, args []string) error {
	client, err := newQueryClient()
	if err != nil {
		return err
	}

	var (
		date    string
		records []attendance.AttendanceRecord
		result  any
	)
	if len(args) == 1 {
		byDate, err := client.AttendanceByDate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		date, records, result = byDate.Date, byDate.Attendance, byDate
	} else {
		today, err := client.TodayAttendance(cmd.Context())
		if err != nil {
			return err
		}
		date, records, result = today.Date, today.Attendance, today
	}

	if mustGetBool(cmd, "json") {
		return printJSON(result)
	}

	fmt.Printf("日付: %s\n\n", date)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tNIM\tNAME\tCONFIDENCE\tLIGHTING")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", r.Time, r.NIM, r.Name, r.Confidence, r.LightingCondition)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n出席: %d 件\n", len(records))
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	client, err := newQueryClient()
	if err != nil {
		return err
	}

	stats, err := client.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return printJSON(stats)
	}

	fmt.Printf("学生数:     %d\n", stats.Stats.TotalStudents)
	fmt.Printf("登録済み:   %d\n", stats.Stats.RegisteredStudents)
	fmt.Printf("本日の出席: %d\n\n", stats.Stats.TodayAttendance)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED_AT\tACTIVITY\tDETAILS")
	for _, l := range stats.RecentLogs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.CreatedAt, l.Activity, l.Details)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client, err := newQueryClient()
	if err != nil {
		return err
	}

	health, err := client.Health(cmd.Context())
	if err != nil {
		return err
	}
	status, err := client.SystemStatus(cmd.Context())
	if err != nil {
		return err
	}

	if mustGetBool(cmd, "json") {
		return printJSON(map[string]any{"health": health, "system": status})
	}

	fmt.Printf("サービス:   %s (%s)\n", client.BaseURL(), health.Status)
	for name, state := range health.Components {
		fmt.Printf("  %-10s %s\n", name, state)
	}
	fmt.Printf("データベース: %s\n", status.Database)
	fmt.Printf("顔モデル:     %s\n", status.FaceModel)
	fmt.Printf("学生数:       %d\n", status.StudentsCount)
	fmt.Printf("認識キュー:   %d\n", status.RecognitionQueue)
	if !status.Success && status.Message != "" {
		fmt.Printf("エラー:       %s\n", status.Message)
	}
	return nil
}

func runOptimize(cmd *cobra.Command, _ []string) error {
	client, err := newQueryClient()
	if err != nil {
		return err
	}

	message, err := client.Optimize(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println(message)
	return nil
}
