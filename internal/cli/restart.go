package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart-watcher",
	Short: "Restart the pool watcher subscription",
	Long: `Tear down and re-establish the new-pool log subscription of a running
engine. Requires the operator API key. Repeating the command with the same
--idempotency-key within the result TTL replays the first outcome instead of
restarting again.`,
	RunE: runRestartWatcher,
}

var (
	confirmRestart bool
	idempotencyKey string
)

func init() {
	rootCmd.AddCommand(restartCmd)

	restartCmd.Flags().BoolVar(&confirmRestart, "confirm", false, "skip the confirmation prompt")
	restartCmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "operation key (default generated per invocation)")
}

func runRestartWatcher(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if !confirmRestart {
		fmt.Fprintln(out, "⚠️  This drops the live pool subscription until it reconnects.")
		fmt.Fprint(out, "Type 'RESTART' to confirm: ")
		reader := bufio.NewReader(cmd.InOrStdin())
		input, _ := reader.ReadString('\n')
		if strings.TrimSpace(input) != "RESTART" {
			fmt.Fprintln(out, "❌ Restart cancelled")
			return nil
		}
	}

	key := idempotencyKey
	if key == "" {
		key = "cli-" + uuid.NewString()
	}

	fmt.Fprintln(out, "🔄 Restarting pool watcher...")
	result, err := apiClient().RestartWatcher(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("failed to restart watcher: %w", err)
	}

	if result.Replayed {
		fmt.Fprintf(out, "↩️  Replayed earlier result for key %s\n", key)
	}
	fmt.Fprintf(out, "✅ %s (state: %s, reconnects: %d)\n", result.Message, result.Watcher.State, result.Watcher.Reconnects)
	return nil
}
