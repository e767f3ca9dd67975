// Command localproxy runs the local forwarding proxy.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quietwire/localproxy/config"
	"github.com/quietwire/localproxy/orchestrator"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "localproxy",
	Short: "A local forwarding proxy with SOCKS5/HTTP-CONNECT upstreams",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "localproxy.yaml", "path to the proxy configuration file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
}

func run(cmd *cobra.Command, _ []string) error {
	log, err := newLogger(verbose)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	orch := orchestrator.New(cfg, log)
	if err := orch.Start(cmd.Context()); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}

	orch.Run(cmd.Context())
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func main() {
	ctx := context.Background()
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
