// possyncd synchronizes legacy point-of-sale databases into one canonical
// DuckDB store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xtxerr/possync/internal/errors"
	"github.com/xtxerr/possync/internal/loader"
	"github.com/xtxerr/possync/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("possyncd")

var rootCmd = &cobra.Command{
	Use:   "possyncd",
	Short: "Multi-source point-of-sale sync engine",
	Long: `possyncd reconciles customers, products, sales, locations and payments
from several legacy point-of-sale databases into one canonical store.

Settings come from the YAML config file. --listen, --log-level and --db
override it, as do POSSYNC_LISTEN, POSSYNC_LOG_LEVEL and POSSYNC_DB.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "possync.yaml", "config file path")
	flags.String("listen", "", "HTTP listen address (overrides config)")
	flags.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	flags.String("db", "", "destination DuckDB path (overrides config)")

	for _, name := range []string{"config", "listen", "log-level", "db"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("POSSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file, applies flag and environment
// overrides, validates the result and sets up logging to logTo.
func loadConfig(logTo *os.File) (*loader.Config, func(), error) {
	path := viper.GetString("config")

	cfg, err := loader.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		logging.Warn("no config file found, using defaults", "path", path)
		cfg = loader.DefaultConfig()
	}

	if v := viper.GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("db"); v != "" {
		cfg.Destination.Path = v
	}

	if err := loader.Validate(cfg); err != nil {
		return nil, nil, err
	}

	opts := cfg.LoggingOptions()
	opts.Output = logTo
	closer := logging.Setup(opts)
	return cfg, func() { closer.Close() }, nil
}
