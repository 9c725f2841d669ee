package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the 'pharosctl status' subcommand.
func NewStatusCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <taskId|runId>",
		Short: "Show the latest run of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "task:     %s\n", j.TaskID)
			fmt.Fprintf(out, "run:      %s\n", j.ID)
			fmt.Fprintf(out, "kind:     %s\n", j.Kind)
			fmt.Fprintf(out, "wallet:   %s\n", j.Wallet)
			fmt.Fprintf(out, "status:   %s\n", j.Status)
			if j.Summary != nil {
				fmt.Fprintf(out, "progress: %d/%d iterations, %d succeeded, %d failed\n",
					j.Summary.Iterations, j.Iterations, j.Summary.Succeeded, j.Summary.Failed)
			}
			if j.LastError != "" {
				fmt.Fprintf(out, "error:    [%s] %s\n", j.ErrorCode, j.LastError)
			}
			return nil
		},
	}
}
