package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amq-cli/amq/internal/coordinator"
)

var (
	cleanupForce     bool
	cleanupOlderThan int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove sessions inactive past their TTL",
	Long: `Remove sessions whose last activity is older than the threshold.

Without --force this lists what would be removed and asks for
confirmation first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, err := buildCoordinator(false)
		if err != nil {
			return err
		}
		days := cleanupOlderThan
		if days == 0 {
			days = viper.GetInt("session.ttl_days")
		}
		return runCleanup(coord, bufio.NewScanner(os.Stdin), cleanupForce, days)
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "Actually remove sessions")
	cleanupCmd.Flags().IntVar(&cleanupOlderThan, "older-than", 0, "Inactivity threshold in days (default from config)")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(coord *coordinator.Coordinator, in *bufio.Scanner, force bool, days int) error {
	maxAge := time.Duration(days) * 24 * time.Hour

	if !force {
		count := 0
		for _, info := range coord.List() {
			if time.Since(time.Unix(info.Meta.LastActive, 0)) > maxAge {
				ui.Info("would remove %s (inactive %s)", info.ID,
					relativeTime(time.Unix(info.Meta.LastActive, 0)))
				count++
			}
		}
		if count == 0 {
			ui.Success("nothing to clean up")
			return nil
		}
		if !confirmPrompt(in, "Remove %d session(s)?", count) {
			ui.Info("cleanup aborted")
			return nil
		}
	}

	removed, err := coord.Cleanup(maxAge)
	if err != nil {
		return err
	}
	ui.Success("removed %d session(s) older than %d days", removed, days)
	return nil
}

// confirmPrompt asks a yes/no question on the interactive input. Any
// answer other than y/yes declines, as does end of input.
func confirmPrompt(in *bufio.Scanner, format string, args ...any) bool {
	fmt.Fprintf(ui.Out, format+" [y/N]: ", args...)
	if !in.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(in.Text()))
	return answer == "y" || answer == "yes"
}
