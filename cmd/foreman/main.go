package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/runefall/foreman/internal/buildinfo"
	"github.com/runefall/foreman/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - autonomous work-order runner",
	Long: `Foreman executes work orders through an LLM tool-use loop with
checkpoint/resume, stall detection, and model escalation. Run "foreman
serve" to start the daemon; the other commands talk to it over HTTP.`,
	SilenceUsage: true,
}

var (
	configPath string
	apiAddr    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "daemon API address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(buildinfo.String())
	},
}

// loadConfig resolves and loads the configuration file.
func loadConfig() (*config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// newLogger builds the process logger from the configured level.
func newLogger(level string) *slog.Logger {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v, using info\n", err)
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
