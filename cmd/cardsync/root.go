package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cardwall/cardsync/internal/app"
)

// Config keys shared by flags, environment and cardsync.toml.
const (
	keyAPIURL         = "api.url"
	keyGatewayURL     = "gateway.url"
	keyDataDir        = "data.dir"
	keyLogFile        = "log.file"
	keyLogMaxSizeMB   = "log.max_size_mb"
	keyProbeInterval  = "probe.interval"
	keyDrainInterval  = "drain.interval"
	keyDrainBatchSize = "drain.batch_size"
	keyRelayPort      = "relay.port"
)

const configName = "cardsync"

var (
	cfgFile   string
	logWriter io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "cardsync",
	Short: "Offline-first board and card synchronization",
	Long: `cardsync keeps a local, durable copy of your boards and cards and
synchronizes it with the remote authority.

Edits are applied locally first, recorded in a pending mutation queue and
pushed to the authority in the background whenever the client is online
and logged in. Live changes from other clients arrive over the gateway.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		logWriter = newLogWriter()
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "boards", Title: "Boards:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	defaults := app.DefaultConfig()
	viper.SetDefault(keyAPIURL, defaults.APIURL)
	viper.SetDefault(keyGatewayURL, defaults.GatewayURL)
	viper.SetDefault(keyDataDir, defaults.DataDir)
	viper.SetDefault(keyLogFile, "")
	viper.SetDefault(keyLogMaxSizeMB, 10)
	viper.SetDefault(keyProbeInterval, defaults.ProbeInterval.String())
	viper.SetDefault(keyDrainInterval, defaults.DrainInterval.String())
	viper.SetDefault(keyDrainBatchSize, defaults.DrainBatchSize)
	viper.SetDefault(keyRelayPort, 8080)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: <data dir>/cardsync.toml)")
	flags.String("api-url", defaults.APIURL, "base URL of the remote authority")
	flags.String("gateway-url", defaults.GatewayURL, "websocket endpoint of the remote authority")
	flags.String("data-dir", defaults.DataDir, "directory holding the local database")
	flags.String("log-file", "", "write logs to a rotating file instead of stderr")

	_ = viper.BindPFlag(keyAPIURL, flags.Lookup("api-url"))
	_ = viper.BindPFlag(keyGatewayURL, flags.Lookup("gateway-url"))
	_ = viper.BindPFlag(keyDataDir, flags.Lookup("data-dir"))
	_ = viper.BindPFlag(keyLogFile, flags.Lookup("log-file"))

	viper.SetEnvPrefix("CARDSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// initConfig reads cardsync.toml from --config, the working directory or
// the data directory. A missing file is not an error.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(configName)
		viper.SetConfigType("toml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(viper.GetString(keyDataDir))
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if cfgFile == "" && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		log.New(logWriter, "[config] ", log.LstdFlags).
			Printf("Config file %s changed (%s); restart long-running commands to apply", e.Name, e.Op)
	})
	viper.WatchConfig()
	return nil
}

// newLogWriter returns stderr, or a rotating file when log.file is set.
func newLogWriter() io.Writer {
	path := viper.GetString(keyLogFile)
	if path == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    viper.GetInt(keyLogMaxSizeMB),
		MaxBackups: 3,
		MaxAge:     28,
	}
}

// appConfig builds the application configuration from viper.
func appConfig() *app.Config {
	return &app.Config{
		DataDir:        viper.GetString(keyDataDir),
		APIURL:         viper.GetString(keyAPIURL),
		GatewayURL:     viper.GetString(keyGatewayURL),
		ProbeInterval:  viper.GetDuration(keyProbeInterval),
		DrainInterval:  viper.GetDuration(keyDrainInterval),
		DrainBatchSize: viper.GetInt(keyDrainBatchSize),
		LogOutput:      logWriter,
	}
}

// openApp constructs the application. Failing to reach durable storage is
// fatal for every command.
func openApp(ctx context.Context) *app.App {
	a, err := app.New(ctx, appConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}

// commandContext bounds one-shot network commands.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func defaultConfigPath() string {
	return filepath.Join(viper.GetString(keyDataDir), configName+".toml")
}
