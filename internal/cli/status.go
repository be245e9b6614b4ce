package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/mev-engine/trade-resilience/internal/client"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check resilience engine status",
	Long: `Check the current status of the resilience engine including the pool
watcher, RPC endpoint rotation and circuit breaker states.`,
	RunE: runStatus,
}

var (
	jsonOutput    bool
	watchMode     bool
	watchInterval time.Duration
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "output in JSON format")
	statusCmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "watch mode (continuous updates)")
	statusCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "watch interval duration")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if watchMode {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWatchStatus(ctx, cmd.OutOrStdout())
	}

	status, err := getEngineStatus(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get engine status: %w", err)
	}

	if jsonOutput {
		return outputJSON(cmd.OutOrStdout(), status)
	}
	return outputFormatted(cmd.OutOrStdout(), status)
}

func runWatchStatus(ctx context.Context, out io.Writer) error {
	fmt.Fprintf(out, "📊 Watching Resilience Engine status (interval: %v)\n", watchInterval)
	fmt.Fprintln(out, "Press Ctrl+C to stop watching...")
	fmt.Fprintln(out)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	showCurrentStatus(ctx, out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprint(out, "\033[H\033[2J") // Clear screen
			showCurrentStatus(ctx, out)
		}
	}
}

func showCurrentStatus(ctx context.Context, out io.Writer) {
	status, err := getEngineStatus(ctx)
	if err != nil {
		fmt.Fprintf(out, "❌ Error: %v\n", err)
		return
	}
	_ = outputFormatted(out, status)
}

// getEngineStatus reports an offline status instead of failing when the
// engine is not reachable
func getEngineStatus(ctx context.Context) (*interfaces.SystemStatus, error) {
	status, err := apiClient().Status(ctx)
	if errors.Is(err, client.ErrOffline) {
		return &interfaces.SystemStatus{
			Status:    "offline",
			Timestamp: time.Now(),
		}, nil
	}
	return status, err
}

func outputJSON(out io.Writer, v interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func outputFormatted(out io.Writer, status *interfaces.SystemStatus) error {
	fmt.Fprintf(out, "🛡  Trade Resilience Engine Status\n")
	fmt.Fprintf(out, "================================\n\n")

	fmt.Fprintf(out, "Status:      %s %s\n", statusIcon(status.Status), status.Status)
	if status.Status == "offline" {
		fmt.Fprintf(out, "API:         %s\n", apiURL())
		return nil
	}
	if status.Uptime != "" {
		fmt.Fprintf(out, "Uptime:      %s\n", status.Uptime)
	}
	fmt.Fprintf(out, "Version:     %s\n", status.Version)
	fmt.Fprintf(out, "Timestamp:   %s\n", status.Timestamp.Format(time.RFC3339))

	w := status.Watcher
	fmt.Fprintf(out, "\n📡 Pool Watcher\n")
	fmt.Fprintf(out, "--------------\n")
	fmt.Fprintf(out, "State:        %s\n", w.State)
	if w.Endpoint != "" {
		fmt.Fprintf(out, "Endpoint:     %s\n", w.Endpoint)
	}
	fmt.Fprintf(out, "Subscribers:  %d\n", w.Subscribers)
	fmt.Fprintf(out, "Forwarded:    %d\n", w.Forwarded)
	fmt.Fprintf(out, "Debounced:    %d\n", w.Debounced)
	fmt.Fprintf(out, "Reconnects:   %d\n", w.Reconnects)
	if w.LastPingAt != nil {
		fmt.Fprintf(out, "Last ping:    %s\n", w.LastPingAt.Format(time.RFC3339))
	}

	if len(status.Endpoints) > 0 {
		fmt.Fprintf(out, "\n🔗 RPC Endpoints\n")
		fmt.Fprintf(out, "---------------\n")
		for _, pool := range status.Endpoints {
			fmt.Fprintf(out, "%s: %s (errors %d/%d, failovers %d)\n",
				pool.Name, pool.CurrentEndpoint, pool.ConsecutiveErrors, pool.MaxErrors, pool.Failovers)
		}
	}

	if len(status.Breakers) > 0 {
		fmt.Fprintf(out, "\n⚡ Circuit Breakers\n")
		fmt.Fprintf(out, "-----------------\n")
		for _, b := range status.Breakers {
			printBreaker(out, b)
		}
	}

	return nil
}

func printBreaker(out io.Writer, b interfaces.BreakerSnapshot) {
	line := fmt.Sprintf("%-24s %-10s failures %d", b.Key, b.State, b.FailureCount)
	if b.State == "open" && b.NextAttemptIn > 0 {
		line += fmt.Sprintf(", retry in %s", b.NextAttemptIn.Round(time.Millisecond))
	}
	line += fmt.Sprintf(", open ratio %.0f%%", b.OpenRatio*100)
	fmt.Fprintln(out, line)
}

func statusIcon(status string) string {
	switch status {
	case "healthy":
		return "✅"
	case "degraded":
		return "⚠️"
	default:
		return "❌"
	}
}
