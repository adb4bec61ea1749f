package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"teamnotify/pkg/config"
	"teamnotify/pkg/logger"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "teamnotify",
	Short: logo + " teamnotify - notify your team on the channel each organization uses",
	Long: `teamnotify sends a short message to a team member over the channel their
organization is configured for: the WhatsApp Business API, a Signal REST
gateway, a generic webhook or a linked WhatsApp Web device.

  teamnotify serve                 Run the HTTP + websocket gateway
  teamnotify send <org> <phone>    Send one notification
  teamnotify team <org>            Pick a team member and notify them
  teamnotify pair <org>            Link a Signal or WhatsApp Web device
  teamnotify config get|set|check  Manage configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debug {
			config.SetDebugMode(true)
			logger.SetLevel(logger.DEBUG)
		}
		return config.LoadDotEnv()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.teamnotify/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(teamCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s teamnotify v%s\n", logo, version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := getConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Printf("✓ Config written to %s\n", path)
		fmt.Println("Add organizations and channel credentials, then run: teamnotify config check")
		return nil
	},
}

func getConfigPath() string {
	if strings.TrimSpace(cfgFile) != "" {
		return cfgFile
	}
	if fromEnv := strings.TrimSpace(os.Getenv("TEAMNOTIFY_CONFIG")); fromEnv != "" {
		return fromEnv
	}
	return config.DefaultConfigPath()
}

// loadConfig reads and validates the config, then applies its logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Printf("  - %v\n", e)
		}
		return nil, fmt.Errorf("config has %d problem(s)", len(errs))
	}
	configureLogging(cfg)
	return cfg, nil
}

func configureLogging(cfg *config.Config) {
	if cfg.Logging.Level != "" && !debug {
		if level, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
			logger.SetLevel(level)
		}
	}

	if !cfg.Logging.Enabled {
		logger.DisableFileLogging()
		return
	}

	logFile := cfg.LogFilePath()
	if err := logger.EnableFileLoggingWithRotation(logFile, cfg.Logging.MaxSizeMB, cfg.Logging.RetentionDays); err != nil {
		fmt.Printf("Warning: failed to enable file logging: %v\n", err)
	}
}
