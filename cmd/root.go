package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amq-cli/amq/internal/coordinator"
	"github.com/amq-cli/amq/internal/dispatch"
	"github.com/amq-cli/amq/internal/history"
	"github.com/amq-cli/amq/internal/llm"
	"github.com/amq-cli/amq/internal/logging"
	"github.com/amq-cli/amq/internal/output"
	"github.com/amq-cli/amq/internal/session"
	"github.com/amq-cli/amq/internal/storage"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	histStore *history.Store

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "amq",
	Short: "Multi-session LLM chat with background dispatch",
	Long: `amq runs multiple concurrent LLM chat sessions from one terminal.
The foreground session streams responses live; background sessions keep
working behind a priority queue, buffer their output, and notify you
when a response completes. Sessions persist across restarts and can run
inside isolated git worktrees.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/amq/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Session data directory (default ~/.amazonq)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "amq")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AMQ")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(home, storage.DefaultRootName)

	viper.SetDefault("data_dir", defaultDataDir)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-5")
	viper.SetDefault("dispatch.capacity", 3)
	viper.SetDefault("buffer.capacity", session.DefaultBufferCapacity)
	viper.SetDefault("replay_on_switch", true)
	viper.SetDefault("history.db_path", filepath.Join(defaultDataDir, "amq.db"))
	viper.SetDefault("session.ttl_days", 30)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()

	// --data-dir beats the config file and env.
	if dir, _ := rootCmd.PersistentFlags().GetString("data-dir"); dir != "" {
		viper.Set("data_dir", dir)
		viper.Set("history.db_path", filepath.Join(dir, "amq.db"))
	}
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	if verbose {
		if err := logging.Init(viper.GetString("data_dir")); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: debug log unavailable: %v\n", err)
		}
	}
}

// getHistory returns the shared dispatch-history store, initializing it
// on first call. History is advisory: failures return an error the
// caller may downgrade to a warning.
func getHistory() (*history.Store, error) {
	if histStore != nil {
		return histStore, nil
	}

	s, err := history.NewStore(viper.GetString("history.db_path"))
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}

	histStore = s
	return histStore, nil
}

// buildCoordinator assembles the full stack: storage, registry,
// dispatch service over the Anthropic client, and the coordinator.
// Persisted sessions are restored as background sessions. enableWorker
// turns on background routing (the chat REPL wants it; one-shot
// commands do not).
func buildCoordinator(enableWorker bool) (*coordinator.Coordinator, error) {
	store, err := storage.NewStore(viper.GetString("data_dir"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	reg := session.NewRegistry(session.Config{
		Writer:         ui.Out,
		Store:          store,
		BufferCapacity: viper.GetInt("buffer.capacity"),
		ReplayOnSwitch: viper.GetBool("replay_on_switch"),
		Model:          viper.GetString("anthropic.model"),
	})
	for _, err := range reg.LoadAll() {
		ui.Warning("skipping session: %v", err)
	}

	svc := dispatch.NewService(dispatch.Config{
		Capacity: viper.GetInt("dispatch.capacity"),
		Streamer: llm.NewClient(apiKey),
	})

	hist, err := getHistory()
	if err != nil {
		ui.Warning("dispatch history disabled: %v", err)
		hist = nil
	}

	return coordinator.New(coordinator.Config{
		Service:      svc,
		Registry:     reg,
		History:      hist,
		EnableWorker: enableWorker,
	}), nil
}
