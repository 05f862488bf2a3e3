package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	configPath string
	envPath    string
)

var rootCmd = &cobra.Command{
	Use:           "assistantctl",
	Short:         "Talk to and inspect a Loqa assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "configuration valid")
		fmt.Fprintf(out, "  transport: %s\n", cfg.Sessions.Transport)
		fmt.Fprintf(out, "  llm:       %s (enabled=%t)\n", cfg.LLM.Mode, cfg.LLM.Enabled)
		fmt.Fprintf(out, "  tts:       %s (enabled=%t)\n", cfg.TTS.Mode, cfg.TTS.Enabled)
		fmt.Fprintf(out, "  stt:       %s (enabled=%t)\n", cfg.STT.Mode, cfg.STT.Enabled)
		fmt.Fprintf(out, "  locale:    %s, silence %dms, mode %s\n", cfg.Coordinator.Locale, cfg.Coordinator.SilenceDelayMS, cfg.Coordinator.Mode)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults plus ASSISTANT_* env when empty)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "Optional dotenv file")
	rootCmd.AddCommand(versionCmd, validateCmd, chatCmd, historyCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
