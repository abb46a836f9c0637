package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amq-cli/amq/internal/coordinator"
	"github.com/amq-cli/amq/internal/git"
	"github.com/amq-cli/amq/internal/models"
	"github.com/amq-cli/amq/internal/output"
	"github.com/amq-cli/amq/internal/session"
)

var (
	chatWorktree   string
	chatNoWorktree bool
	chatResume     string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive multi-session chat",
	Long: `Start the chat REPL.

One session is in the foreground and streams responses live. Use slash
commands to run more sessions in parallel:

  /sessions                 list sessions
  /switch <name|id>         bring a session to the foreground
  /new <chat|worktree> [name]  create a session, optionally in a git worktree
  /send <name|id> <text>    queue a message for a background session
  /close [name|id]          close a session (default: current)
  /cleanup [--force] [--older-than <days>]  remove stale sessions
  /status [--detailed]      coordinator status
  /quit                     exit

Background sessions buffer their output and post a notification between
prompts when a response completes. Switching back replays what you missed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatRun(cmd.Context())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatWorktree, "worktree", "", "Create the initial session in a new git worktree with this name")
	chatCmd.Flags().BoolVar(&chatNoWorktree, "no-worktree", false, "Never create a worktree for the initial session")
	chatCmd.Flags().StringVar(&chatResume, "resume", "", "Resume an existing session by id or name")
	rootCmd.AddCommand(chatCmd)
}

func newSessionID() string {
	return strings.ToLower(ulid.Make().String())
}

func chatRun(ctx context.Context) error {
	coord, err := buildCoordinator(true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord.Start(ctx)
	defer coord.Stop()

	if err := chatInitialSession(coord); err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		printNotifications(coord)
		if err := coord.WorkerErr(); err != nil {
			ui.Error("background worker halted: %v", err)
		}

		fmt.Fprintf(ui.Out, "\n%s> ", output.Cyan(sessionLabel(coord)))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := handleSlash(ctx, coord, scanner, line)
			if err != nil {
				ui.Error("%v", err)
			}
			if quit {
				break
			}
			continue
		}

		if err := streamForeground(ctx, coord, line); err != nil {
			ui.Error("%v", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	saveAll(coord)
	return scanner.Err()
}

// chatInitialSession resumes or creates the first foreground session.
func chatInitialSession(coord *coordinator.Coordinator) error {
	if chatResume != "" {
		id, err := coord.Resolve(chatResume)
		if err != nil {
			return err
		}
		if err := coord.Switch(id); err != nil {
			return err
		}
		ui.Success("resumed session %s", chatResume)
		return nil
	}

	var wt *models.WorktreeInfo
	if chatWorktree != "" && !chatNoWorktree {
		info, err := createWorktree(chatWorktree)
		if err != nil {
			return err
		}
		wt = info
		ui.Success("created worktree %s on branch %s", info.Path, info.Branch)
	}

	id := newSessionID()
	if err := coord.NewSession(id, "", session.CreateOptions{Name: chatWorktree, Worktree: wt}); err != nil {
		return err
	}
	return coord.Switch(id)
}

// streamForeground submits to the active session and prints the stream
// until the terminal event.
func streamForeground(ctx context.Context, coord *coordinator.Coordinator, text string) error {
	ch, err := coord.Submit(ctx, coord.ActiveID(), text)
	if err != nil {
		return err
	}
	for ev := range ch {
		if ev.Err != nil {
			fmt.Fprintln(ui.Out)
			return ev.Err
		}
		if ev.End {
			fmt.Fprintln(ui.Out)
			return nil
		}
		// Chunk text is written by the registry's foreground path.
	}
	return nil
}

func printNotifications(coord *coordinator.Coordinator) {
	notes := coord.TakeAllNotifications()
	ids := make([]string, 0, len(notes))
	for id := range notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ui.Notify("%s", notes[id])
	}
}

func sessionLabel(coord *coordinator.Coordinator) string {
	id := coord.ActiveID()
	if id == "" {
		return "amq"
	}
	if info, err := coord.Snapshot(id); err == nil && info.Meta.Name != "" {
		return info.Meta.Name
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// handleSlash dispatches one slash command. Returns true to quit.
func handleSlash(ctx context.Context, coord *coordinator.Coordinator, in *bufio.Scanner, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/sessions":
		renderSessions(coord)
		return false, nil

	case "/switch":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /switch <name|id>")
		}
		id, err := coord.Resolve(args[0])
		if err != nil {
			return false, err
		}
		if err := coord.Switch(id); err != nil {
			return false, err
		}
		ui.Success("switched to %s", args[0])
		return false, nil

	case "/new":
		return false, slashNew(coord, args)

	case "/send":
		return false, slashSend(ctx, coord, args)

	case "/close":
		return false, slashClose(coord, args)

	case "/cleanup":
		force, days, err := parseCleanupArgs(args)
		if err != nil {
			return false, err
		}
		return false, runCleanup(coord, in, force, days)

	case "/status":
		detailed := len(args) == 1 && args[0] == "--detailed"
		return false, renderStatus(ctx, coord, detailed, "table")

	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

func slashNew(coord *coordinator.Coordinator, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /new <chat|worktree> [name]")
	}
	kind := args[0]
	name := ""
	if len(args) > 1 {
		name = args[1]
	}

	var wt *models.WorktreeInfo
	switch kind {
	case "chat":
	case "worktree":
		if name == "" {
			return fmt.Errorf("worktree sessions need a name")
		}
		info, err := createWorktree(name)
		if err != nil {
			return err
		}
		wt = info
		ui.Success("created worktree %s on branch %s", info.Path, info.Branch)
	default:
		return fmt.Errorf("unknown session type %q (want chat or worktree)", kind)
	}

	id := newSessionID()
	if err := coord.NewSession(id, "", session.CreateOptions{Name: name, Worktree: wt}); err != nil {
		return err
	}
	if err := coord.Switch(id); err != nil {
		return err
	}
	ui.Success("created session %s", sessionLabel(coord))
	return nil
}

func slashSend(ctx context.Context, coord *coordinator.Coordinator, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: /send <name|id> <text>")
	}
	id, err := coord.Resolve(args[0])
	if err != nil {
		return err
	}
	if id == coord.ActiveID() {
		return fmt.Errorf("%s is the foreground session; just type the message", args[0])
	}

	ch, err := coord.Submit(ctx, id, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	// Chunks land in the session's buffer; completion arrives as a
	// notification. Drain the reply so the worker never blocks on us.
	go func() {
		for range ch {
		}
	}()
	ui.Info("queued for %s", args[0])
	return nil
}

func slashClose(coord *coordinator.Coordinator, args []string) error {
	target := coord.ActiveID()
	if len(args) == 1 {
		id, err := coord.Resolve(args[0])
		if err != nil {
			return err
		}
		target = id
	}
	if target == "" {
		return fmt.Errorf("no session to close")
	}

	info, err := coord.Snapshot(target)
	if err != nil {
		return err
	}
	if err := coord.Close(target); err != nil {
		return err
	}
	if wt := info.Meta.Worktree; wt != nil && wt.IsTemporary {
		if err := git.NewClient().WorktreeRemove(wt.RepoRoot, wt.Path, false); err != nil {
			ui.Warning("worktree left in place: %v", err)
		}
	}
	ui.Success("closed session %s", target)
	return nil
}

func parseCleanupArgs(args []string) (force bool, days int, err error) {
	days = viper.GetInt("session.ttl_days")
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--force":
			force = true
		case "--older-than":
			if i+1 >= len(args) {
				return false, 0, fmt.Errorf("--older-than needs a value")
			}
			i++
			days, err = strconv.Atoi(args[i])
			if err != nil || days <= 0 {
				return false, 0, fmt.Errorf("invalid --older-than value %q", args[i])
			}
		default:
			return false, 0, fmt.Errorf("unknown cleanup flag %s", args[i])
		}
	}
	return force, days, nil
}

// createWorktree adds a git worktree for a new session, branching off
// the repo containing the current directory.
func createWorktree(name string) (*models.WorktreeInfo, error) {
	if err := models.ValidateName(name); err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	gc := git.NewClient()
	root, err := gc.RepoRoot(cwd)
	if err != nil {
		return nil, fmt.Errorf("not inside a git repository: %w", err)
	}
	mergeTarget, err := gc.CurrentBranch(root)
	if err != nil {
		return nil, err
	}

	branch := "amq/" + name
	path := filepath.Join(root+".worktrees", name)
	if err := gc.WorktreeAdd(root, path, branch); err != nil {
		return nil, err
	}

	return &models.WorktreeInfo{
		Path:        path,
		Branch:      branch,
		RepoRoot:    root,
		MergeTarget: mergeTarget,
		IsTemporary: true,
	}, nil
}

// saveAll persists every live session on exit; failures are warnings.
func saveAll(coord *coordinator.Coordinator) {
	for _, info := range coord.List() {
		if err := coord.Save(info.ID); err != nil {
			ui.Warning("save %s: %v", info.ID, err)
		}
	}
}
