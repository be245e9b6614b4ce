package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/mev-engine/trade-resilience/internal/app"
	"github.com/mev-engine/trade-resilience/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the resilience engine",
	Long: `Start the resilience engine: the operator API, the rotating RPC pool
and, when enabled, the new-pool watcher. The engine runs until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("bind", "", "bind address for API server (overrides config)")
	startCmd.Flags().Int("port", 0, "port for API server (overrides config)")
	startCmd.Flags().Bool("no-watcher", false, "disable the pool watcher")

	viper.BindPFlag("server.host", startCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", startCmd.Flags().Lookup("port"))
}

func runStart(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "🚀 Starting Resilience Engine...")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if viper.GetBool("debug") {
		cfg.Log.Level = "debug"
	}
	if noWatcher, _ := cmd.Flags().GetBool("no-watcher"); noWatcher {
		cfg.Watcher.Enabled = false
	}

	application := app.New(cfg)
	if err := application.Err(); err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, application.StartTimeout())
	defer cancelStart()
	if err := application.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}
	fmt.Fprintf(out, "✅ Operator API listening on %s\n", cfg.Address())

	<-ctx.Done()
	fmt.Fprintln(out, "\n🛑 Shutdown signal received, stopping engine...")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), application.StopTimeout())
	defer cancelStop()
	if err := application.Stop(stopCtx); err != nil {
		fmt.Fprintf(out, "⚠️  Error during shutdown: %v\n", err)
	}

	fmt.Fprintln(out, "✅ Resilience Engine stopped")
	return nil
}
