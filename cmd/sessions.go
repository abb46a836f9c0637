package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amq-cli/amq/internal/coordinator"
	"github.com/amq-cli/amq/internal/output"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known chat sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, err := buildCoordinator(false)
		if err != nil {
			return err
		}
		renderSessions(coord)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func renderSessions(coord *coordinator.Coordinator) {
	infos := coord.List()
	if len(infos) == 0 {
		ui.Info("No sessions. Start one with 'amq chat'.")
		return
	}

	activeID := coord.ActiveID()
	table := ui.Table([]string{"ID", "Name", "Status", "Last Active", "Messages", "Worktree"})
	for _, info := range infos {
		id := info.ID
		if id == activeID {
			id = output.Green(id + " *")
		}
		worktree := ""
		if info.Meta.Worktree != nil {
			worktree = info.Meta.Worktree.Branch
		}
		table.Append([]string{
			id,
			info.Meta.Name,
			output.StatusColor(string(info.Meta.Status)),
			relativeTime(time.Unix(info.Meta.LastActive, 0)),
			fmt.Sprintf("%d", info.Meta.MessageCount),
			worktree,
		})
	}
	table.Render()
}

// relativeTime renders a short "3d ago" style age.
func relativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
