package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"teamnotify/pkg/config"
	"teamnotify/pkg/configops"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Get, set and validate config values",
	Example: `  teamnotify config set sentinel.enable false
  teamnotify config set organizations.acme.communicationType signal
  teamnotify config get organizations.acme.members
  teamnotify config check
  teamnotify config reload`,
}

var configGetCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Print a config value as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgMap, err := configops.LoadMap(getConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path := configops.NormalizePath(args[0])
		value, ok := configops.GetPath(cfgMap, path)
		if !ok {
			return fmt.Errorf("path not found: %s", path)
		}
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			fmt.Printf("%v\n", value)
			return nil
		}
		fmt.Println(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <path> <value>",
	Short: "Set a config value and reload a running gateway",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := getConfigPath()
		cfgMap, err := configops.LoadMap(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		path := configops.NormalizePath(args[0])
		value := configops.ParseValue(strings.Join(args[1:], " "))
		if err := configops.SetPath(cfgMap, path, value); err != nil {
			return err
		}
		if _, err := configops.Check(cfgMap); err != nil {
			return fmt.Errorf("config would be invalid, not saved:\n%w", err)
		}

		data, err := json.MarshalIndent(cfgMap, "", "  ")
		if err != nil {
			return err
		}
		backupPath, err := configops.WriteAtomic(configPath, data)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Updated %s = %v\n", path, value)

		running, err := configops.SignalReload(configPath)
		switch {
		case err == nil:
			fmt.Println("✓ Gateway hot reload signal sent")
		case running:
			if rbErr := configops.Rollback(configPath, backupPath); rbErr != nil {
				fmt.Printf("Hot reload failed and rollback failed: %v\n", rbErr)
			} else {
				fmt.Printf("Hot reload failed, config rolled back: %v\n", err)
			}
		default:
			fmt.Printf("Updated config file. Hot reload not applied: %v\n", err)
		}
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(getConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if errs := config.Validate(cfg); len(errs) > 0 {
			fmt.Println("✗ Config validation failed:")
			for _, e := range errs {
				fmt.Printf("  - %v\n", e)
			}
			return fmt.Errorf("%d problem(s) found", len(errs))
		}
		fmt.Println("✓ Config validation passed")
		return nil
	},
}

var configReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running gateway to reload the config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := configops.SignalReload(getConfigPath()); err != nil {
			if errors.Is(err, configops.ErrNotRunning) {
				fmt.Printf("Hot reload not applied: %v\n", err)
				return nil
			}
			return err
		}
		fmt.Println("✓ Gateway hot reload signal sent")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configReloadCmd)
}
