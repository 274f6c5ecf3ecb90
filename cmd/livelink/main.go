// Command livelink watches device-pairing sessions over the backend's
// WebSocket stream and sends test messages to them.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/lightforgemedia/go-livelink/internal/config"
	"github.com/lightforgemedia/go-livelink/internal/logging"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type rootOptions struct {
	configPath string
	envFile    string
	url        string
	logLevel   string
	out        io.Writer
	errOut     io.Writer

	// level backs the process logger so a config reload can change it.
	level slog.LevelVar
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{out: out, errOut: errOut}

	rootCmd := &cobra.Command{
		Use:   "livelink",
		Short: "Coordinate device-pairing sessions over a live backend connection",
		Long: `livelink keeps a WebSocket connection to the pairing backend open,
tracks session status as the backend reports it and sends test
messages to paired devices.

Settings come from a YAML file, LIVELINK_* environment variables
(optionally loaded from a .env file) and flags, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading LIVELINK_* variables")
	flags.StringVar(&opts.url, "url", "", "backend WebSocket URL (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	rootCmd.AddCommand(
		watchCmd(opts),
		testCmd(opts),
		versionCmd(opts),
	)
	return rootCmd
}

// load resolves the configuration and builds the process logger.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			// The default .env is optional; an explicit one is not.
			if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
				return config.Config{}, nil, fmt.Errorf("load env file %s: %w", o.envFile, err)
			}
		}
	}

	bootLogger := logging.New(logging.Config{Level: o.logLevel, Output: o.errOut})
	cfg, err := config.Load(o.configPath, bootLogger, o.flagOverrides)
	if err != nil {
		return config.Config{}, nil, err
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = o.errOut
	logCfg.LevelVar = &o.level
	logger := logging.New(logCfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// flagOverrides applies the persistent flags on top of file and environment.
func (o *rootOptions) flagOverrides(c *config.Config) {
	if o.url != "" {
		c.URL = o.url
	}
	if o.logLevel != "" {
		c.Log.Level = o.logLevel
	}
}
