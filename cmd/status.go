package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/amq-cli/amq/internal/coordinator"
	"github.com/amq-cli/amq/internal/output"
)

var (
	statusDetailed bool
	statusFormat   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusFormat != "table" && statusFormat != "yaml" {
			return fmt.Errorf("unknown format %q (want table or yaml)", statusFormat)
		}
		coord, err := buildCoordinator(false)
		if err != nil {
			return err
		}
		return renderStatus(cmd.Context(), coord, statusDetailed, statusFormat)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusDetailed, "detailed", false, "Include per-session detail and recent dispatch history")
	statusCmd.Flags().StringVar(&statusFormat, "format", "table", "Output format: table or yaml")
	rootCmd.AddCommand(statusCmd)
}

// statusReport is the machine-readable shape for --format yaml.
type statusReport struct {
	ActiveSession string `yaml:"active_session,omitempty"`
	Sessions      int    `yaml:"sessions"`
	QueueDepth    int    `yaml:"queue_depth"`
	InFlight      int    `yaml:"in_flight"`
	Capacity      int    `yaml:"capacity"`
	Notifications int    `yaml:"notifications"`
	WorkerError   string `yaml:"worker_error,omitempty"`

	Detail []sessionDetail `yaml:"detail,omitempty"`
}

type sessionDetail struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name,omitempty"`
	Status        string `yaml:"status"`
	Streaming     bool   `yaml:"streaming"`
	HasPartial    bool   `yaml:"has_partial"`
	BufferBytes   int    `yaml:"buffer_bytes"`
	BufferDropped uint64 `yaml:"buffer_dropped"`
	MessageCount  int    `yaml:"message_count"`
	LastActive    string `yaml:"last_active"`
}

func renderStatus(ctx context.Context, coord *coordinator.Coordinator, detailed bool, format string) error {
	report := statusReport{
		ActiveSession: coord.ActiveID(),
		Sessions:      len(coord.List()),
		QueueDepth:    coord.QueueDepth(),
		InFlight:      coord.InFlight(),
		Capacity:      coord.Capacity(),
		Notifications: coord.NotificationCount(),
	}
	if err := coord.WorkerErr(); err != nil {
		report.WorkerError = err.Error()
	}

	if detailed {
		for _, info := range coord.List() {
			report.Detail = append(report.Detail, sessionDetail{
				ID:            info.ID,
				Name:          info.Meta.Name,
				Status:        string(info.Meta.Status),
				Streaming:     info.Streaming,
				HasPartial:    info.HasPartial,
				BufferBytes:   info.BufferBytes,
				BufferDropped: info.BufferDropped,
				MessageCount:  info.Meta.MessageCount,
				LastActive:    time.Unix(info.Meta.LastActive, 0).UTC().Format(time.RFC3339),
			})
		}
	}

	if format == "yaml" {
		data, err := yaml.Marshal(report)
		if err != nil {
			return err
		}
		fmt.Fprint(ui.Out, string(data))
		return nil
	}

	ui.Info("sessions: %d  queue: %d  in-flight: %d/%d  notifications: %d",
		report.Sessions, report.QueueDepth, report.InFlight, report.Capacity, report.Notifications)
	if report.ActiveSession != "" {
		ui.Info("foreground: %s", report.ActiveSession)
	}
	if report.WorkerError != "" {
		ui.Error("worker halted: %s", report.WorkerError)
	}

	if !detailed {
		return nil
	}

	if len(report.Detail) > 0 {
		table := ui.Table([]string{"ID", "Name", "Status", "Streaming", "Buffered", "Dropped", "Messages"})
		for _, d := range report.Detail {
			streaming := ""
			if d.Streaming {
				streaming = "yes"
			}
			table.Append([]string{
				d.ID,
				d.Name,
				output.StatusColor(d.Status),
				streaming,
				fmt.Sprintf("%d B", d.BufferBytes),
				fmt.Sprintf("%d", d.BufferDropped),
				fmt.Sprintf("%d", d.MessageCount),
			})
		}
		table.Render()
	}

	renderHistory(ctx)
	return nil
}

// renderHistory prints recent background dispatches. Best-effort: a
// missing or unreadable history db only warns.
func renderHistory(ctx context.Context) {
	hist, err := getHistory()
	if err != nil {
		ui.Warning("dispatch history unavailable: %v", err)
		return
	}
	entries, err := hist.Recent(ctx, 10)
	if err != nil {
		ui.Warning("dispatch history unavailable: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	fmt.Fprintln(ui.Out)
	ui.Info("recent background dispatches:")
	table := ui.Table([]string{"Session", "Outcome", "Chunks", "Bytes", "Duration", "Finished"})
	for _, e := range entries {
		table.Append([]string{
			e.SessionID,
			e.Outcome,
			fmt.Sprintf("%d", e.ChunkCount),
			fmt.Sprintf("%d", e.ByteCount),
			e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond).String(),
			relativeTime(e.FinishedAt),
		})
	}
	table.Render()
}
