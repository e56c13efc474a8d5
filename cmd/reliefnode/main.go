// Package main is the relief node command: it runs the network sync
// subsystem against a local store and offers one-shot probe and send commands.
package main

import (
	"cmp"
	"fmt"
	"os"

	"github.com/atinyakov/ReliefNet/internal/config"
	"github.com/atinyakov/ReliefNet/internal/logger"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

var (
	cfgFile string
	cfg     *config.Config
	opts    *config.Options
	logs    *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "reliefnode",
	Short:         "Disaster relief node with cloud, LAN and mesh sync",
	Version:       fmt.Sprintf("%s (built %s)", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A")),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.New(cfgFile)
		if err != nil {
			return err
		}
		if err := cfg.BindFlags(cmd.Root().PersistentFlags()); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
		opts, err = cfg.Options()
		if err != nil {
			return err
		}

		logs = logger.New().WithFile(opts.Log.File)
		if err := logs.Init(opts.Log.Level); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&cfgFile, "config", "c", "", "config file (JSON, YAML or TOML)")
	f.String("log.level", "info", "log level")
	f.String("log.file", "", "write logs to this rotated file instead of stderr")
	f.String("store.driver", "sqlite3", "local store driver: sqlite3 or postgres")
	f.String("store.dsn", "data/relief.db", "local store path or connection string")
	f.String("cloud.base_url", "", "cloud document store base URL")
	f.Bool("mode.prefer_lan", false, "use a discovered LAN server when there is no internet")
	f.Int("mesh.port", 8888, "mesh TCP port")
	f.Int("mesh.discovery_port", 8889, "mesh UDP bootstrap port, 0 disables it")
	f.String("mesh.node_id", "", "fixed node id")
	f.Int("lan.port", 8887, "LAN WebSocket server port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
