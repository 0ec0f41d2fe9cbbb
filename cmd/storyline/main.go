package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pders01/storyline/internal/app"
	"github.com/pders01/storyline/internal/config"
	"github.com/pders01/storyline/internal/debuglog"
)

// Version is the version of the application, set at build time
var Version = "dev"

var (
	configPath string
	dbPath     string
	logLevel   string
	quiet      bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "storyline",
	Short:         "Offline layer for the story sharing app",
	Long:          "storyline keeps stories readable offline, queues posts made without a connection and replays them when the network returns.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipsConfig(cmd) {
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			loaded.Database.Path = expandTilde(dbPath)
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := debuglog.Setup(debuglog.ParseLogLevel(loaded.Log.Level), loaded.Log.File); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to set up logging: %v\n", err)
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = debuglog.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("storyline %s\n", Version)
		fmt.Println("Offline layer for story sharing")
		fmt.Println("github.com/pders01/storyline")
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configGenCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a default config file",
	Run: func(cmd *cobra.Command, args []string) {
		home, _ := os.UserHomeDir()
		configFile := filepath.Join(home, ".config", "storyline", "config.toml")

		if err := config.GenerateDefaultConfig(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default configuration at: %s\n", configFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to database file (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error or off")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Skip startup banner")

	configCmd.AddCommand(configGenCmd)
	rootCmd.AddCommand(versionCmd, configCmd)
}

func skipsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c == versionCmd || c == configCmd {
			return true
		}
	}
	return false
}

func expandTilde(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// withController opens the offline layer for the duration of fn.
func withController(cmd *cobra.Command, fn func(ctx context.Context, ctl *app.Controller) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctl, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	if ctl.Degraded() {
		fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("Local storage is unavailable; running network-only."))
	}
	runErr := fn(ctx, ctl)
	if err := ctl.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("closing: %w", err)
	}
	return runErr
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func showBanner() {
	colors := []lipgloss.Color{
		lipgloss.Color("#FF6B6B"),
		lipgloss.Color("#FFA86B"),
		lipgloss.Color("#95E1D3"),
		lipgloss.Color("#4ECDC4"),
	}

	lines := []string{
		"┌─┐┌┬┐┌─┐┬─┐┬ ┬┬  ┬┌┐┌┌─┐",
		"└─┐ │ │ │├┬┘└┬┘│  ││││├┤ ",
		"└─┘ ┴ └─┘┴└─ ┴ ┴─┘┴┘└┘└─┘",
		"",
		"stories, online or not",
	}

	var coloredLines []string
	for i, line := range lines {
		if line == "" {
			coloredLines = append(coloredLines, line)
			continue
		}
		style := lipgloss.NewStyle().
			Foreground(colors[i%len(colors)]).
			Bold(i < 3)
		coloredLines = append(coloredLines, style.Render(line))
	}

	borderStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(lipgloss.Color("#4ECDC4")).
		Padding(1, 3).
		MarginTop(1)

	banner := lipgloss.JoinVertical(lipgloss.Center, coloredLines...)
	fmt.Println(lipgloss.NewStyle().
		Width(70).
		Align(lipgloss.Center).
		Render(borderStyle.Render(banner)))
}
