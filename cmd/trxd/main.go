// Command trxd shares transceivers and a GPS position feed with network
// clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"trxd/internal/config"
	"trxd/internal/driver"
	"trxd/internal/logging"
	"trxd/internal/trx"
	"trxd/internal/web"
)

var version = "dev"

type rootFlags struct {
	configPath    string
	logLevel      string
	listenAddress string
	listenPort    string
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	cmd := &cobra.Command{
		Use:           "trxd",
		Short:         "Share transceivers over JSON-lines and WebSocket connections.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to YAML config (default: $XDG_CONFIG_HOME/"+config.RelPath+")")
	cmd.Flags().StringVarP(&f.logLevel, "log-level", "l", "", "log level: trace, debug, info, warn, error")
	cmd.Flags().StringVarP(&f.listenAddress, "listen-address", "a", "", "address to listen on")
	cmd.Flags().StringVarP(&f.listenPort, "listen-port", "p", "", "port to listen on")

	cmd.AddCommand(newDriversCmd())
	return cmd
}

func newDriversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the built-in transceiver drivers.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := trx.NewRegistry()
			driver.Register(reg)
			out := cmd.OutOrStdout()
			for _, name := range reg.Names() {
				d, err := reg.New(name)
				if err != nil {
					return err
				}
				desc := d.Descriptor()
				var caps []string
				if desc.Capabilities.Frequency {
					caps = append(caps, "frequency")
				}
				if desc.Capabilities.Mode {
					caps = append(caps, "mode")
				}
				if desc.Capabilities.Lock {
					caps = append(caps, "lock")
				}
				fmt.Fprintf(out, "%-8s set=%s modes=%s\n", name, strings.Join(caps, ","), strings.Join(desc.Modes, ","))
			}
			return nil
		},
	}
}

// loadConfig reads the config file, or falls back to defaults when none was
// given and none exists, then applies flag overrides.
func loadConfig(cmd *cobra.Command, f rootFlags) (config.Config, error) {
	var cfg config.Config
	path := f.configPath
	if path == "" {
		if p, err := config.DefaultPath(); err == nil {
			path = p
		}
	}
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return config.Config{}, errors.Wrapf(err, "config %s", path)
		}
		cfg = c
	} else {
		cfg = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("listen-address") {
		cfg.Listen.Address = f.listenAddress
	}
	if flags.Changed("listen-port") {
		cfg.Listen.Port = f.listenPort
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logs := web.NewLogBuffer(2000)
	logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logrus.AddHook(logs)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logging.Component("main")
	log.WithField("version", version).Info("trxd starting")

	rt, err := newRuntime(ctx, cfg, runtimeDeps{logs: logs})
	if err != nil {
		return err
	}
	err = rt.Run(ctx)
	log.Info("trxd stopped")
	return err
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logrus.Fatal(err)
	}
}
