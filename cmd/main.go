package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markjakearzadon/pushpay-gateway/internal/config"
	"github.com/markjakearzadon/pushpay-gateway/internal/telemetry"
)

var Version = "dev"

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "pushpay",
		Short:        "Mobile-money push payment gateway",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(listCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads .env and the environment, then sets up logging.
func loadConfig() (config.Config, error) {
	config.LoadDotEnv(envFile)
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	telemetry.SetupLogging(cfg.LogLevel, cfg.LogJSON)
	return cfg, nil
}

// closer runs cleanups in reverse order of registration.
type closer struct {
	fns []func(context.Context)
}

func (c *closer) add(fn func(context.Context)) {
	c.fns = append(c.fns, fn)
}

func (c *closer) close(ctx context.Context) {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i](ctx)
	}
}
