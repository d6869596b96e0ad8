package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/halcyon/config"
)

var (
	configPath string
	logLevel   string

	cfg    config.Config
	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:           "halcyon",
	Short:         "Conversational agent with episodic memory",
	Long:          "Halcyon reflects, recalls, responds and commits every turn to a decay-weighted episodic memory.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "halcyon"})
		setLogLevel(logger, cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "halcyon.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level: debug, info, warn or error")

	rootCmd.AddCommand(chatCmd, pinCmd, anchorsCmd, recallCmd, memoriesCmd)
}

func setLogLevel(logger *log.Logger, level string) {
	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}
