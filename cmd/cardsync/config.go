package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cardwall/cardsync/internal/ui"
)

// fileConfig is the layout of cardsync.toml.
type fileConfig struct {
	API struct {
		URL string `toml:"url"`
	} `toml:"api"`
	Gateway struct {
		URL string `toml:"url"`
	} `toml:"gateway"`
	Data struct {
		Dir string `toml:"dir"`
	} `toml:"data"`
	Log struct {
		File      string `toml:"file"`
		MaxSizeMB int    `toml:"max_size_mb"`
	} `toml:"log"`
	Probe struct {
		Interval string `toml:"interval"`
	} `toml:"probe"`
	Drain struct {
		Interval  string `toml:"interval"`
		BatchSize int    `toml:"batch_size"`
	} `toml:"drain"`
	Relay struct {
		Port int `toml:"port"`
	} `toml:"relay"`
}

// currentFileConfig snapshots the effective settings.
func currentFileConfig() fileConfig {
	var fc fileConfig
	fc.API.URL = viper.GetString(keyAPIURL)
	fc.Gateway.URL = viper.GetString(keyGatewayURL)
	fc.Data.Dir = viper.GetString(keyDataDir)
	fc.Log.File = viper.GetString(keyLogFile)
	fc.Log.MaxSizeMB = viper.GetInt(keyLogMaxSizeMB)
	fc.Probe.Interval = viper.GetDuration(keyProbeInterval).String()
	fc.Drain.Interval = viper.GetDuration(keyDrainInterval).String()
	fc.Drain.BatchSize = viper.GetInt(keyDrainBatchSize)
	fc.Relay.Port = viper.GetInt(keyRelayPort)
	return fc
}

func writeFileConfig(w io.Writer, fc fileConfig) error {
	if _, err := fmt.Fprintln(w, "# cardsync configuration"); err != nil {
		return err
	}
	return toml.NewEncoder(w).Encode(fc)
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage cardsync.toml",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a cardsync.toml with the current settings",
	Long: `Write a cardsync.toml holding the effective settings (defaults merged
with flags and CARDSYNC_* environment variables).

The file goes to the data directory unless a path is given. An existing
file is only replaced with --force.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := defaultConfigPath()
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil && !force {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to replace)\n", path)
			os.Exit(1)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create directory: %v\n", err)
			os.Exit(1)
		}

		f, err := os.Create(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create %s: %v\n", path, err)
			os.Exit(1)
		}
		if err := writeFileConfig(f, currentFileConfig()); err != nil {
			_ = f.Close()
			fmt.Fprintf(os.Stderr, "Error: failed to write %s: %v\n", path, err)
			os.Exit(1)
		}
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to write %s: %v\n", path, err)
			os.Exit(1)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "replace an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
