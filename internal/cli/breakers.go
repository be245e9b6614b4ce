package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var breakersCmd = &cobra.Command{
	Use:   "breakers [key]",
	Short: "Show circuit breaker states",
	Long: `Show the state of every circuit breaker key known to a running engine,
or a single key when one is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBreakers,
}

var breakersJSON bool

func init() {
	rootCmd.AddCommand(breakersCmd)

	breakersCmd.Flags().BoolVarP(&breakersJSON, "json", "j", false, "output in JSON format")
}

func runBreakers(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	c := apiClient()

	if len(args) == 1 {
		snapshot, err := c.Breaker(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get breaker %s: %w", args[0], err)
		}
		if breakersJSON {
			return outputJSON(out, snapshot)
		}
		printBreaker(out, *snapshot)
		return nil
	}

	snapshots, err := c.Breakers(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list breakers: %w", err)
	}
	if breakersJSON {
		return outputJSON(out, snapshots)
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(out, "No circuit breakers recorded yet")
		return nil
	}
	for _, b := range snapshots {
		printBreaker(out, b)
	}
	return nil
}
