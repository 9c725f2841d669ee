package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/0xrifai/pharos-network/internal/job"
)

// PrivateKeyEnv is read when --private-key-env is not given.
const PrivateKeyEnv = "PHAROS_PRIVATE_KEY"

// NewSubmitCommand creates the 'pharosctl submit' subcommand.
func NewSubmitCommand(client func() *Client) *cobra.Command {
	var (
		req      job.SubmitRequest
		keyEnv   string
		loops    int
		delayMin int64
		delayMax int64
		follow   bool
		raw      bool
	)
	cmd := &cobra.Command{
		Use:   "submit <taskId>",
		Short: "Submit an automation job",
		Long: `Submit an approve, call or transfer automation to pharosd.

The signing key is read from an environment variable so it never appears in
shell history.

Examples:
  pharosctl submit swap-1 --kind call --target 0x... --calldata 0x... --loops 5
  pharosctl submit approve-1 --kind approve --token 0x... --spender 0x... --amount 10 --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TaskID = args[0]
			req.PrivateKey = strings.TrimSpace(os.Getenv(keyEnv))
			if req.PrivateKey == "" {
				return fmt.Errorf("environment variable %s is empty", keyEnv)
			}
			if cmd.Flags().Changed("loops") {
				req.LoopCount = &loops
			}
			if cmd.Flags().Changed("delay-min") {
				req.TimeoutMinMs = &delayMin
			}
			if cmd.Flags().Changed("delay-max") {
				req.TimeoutMaxMs = &delayMax
			}

			c := client()
			resp, err := c.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s accepted (run %s, %s)\n", resp.TaskID, resp.RunID, resp.Status)
			if !follow {
				return nil
			}
			watch := NewWatchCommand(client)
			args = []string{resp.TaskID}
			if raw {
				args = append(args, "--raw")
			}
			watch.SetArgs(args)
			watch.SetOut(cmd.OutOrStdout())
			return watch.ExecuteContext(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Kind, "kind", "call", "approve, call or transfer")
	flags.StringVar(&req.Name, "name", "", "Label used in log lines (defaults to kind)")
	flags.StringVar(&req.Chain, "chain", "", "Named chain from the chain config")
	flags.StringVar(&req.RPCURL, "rpc-url", "", "Explicit RPC endpoint")
	flags.StringVar(&keyEnv, "private-key-env", PrivateKeyEnv, "Environment variable holding the signing key")
	flags.IntVar(&loops, "loops", 1, "Number of iterations")
	flags.Int64Var(&delayMin, "delay-min", 1000, "Minimum pause between iterations in ms")
	flags.Int64Var(&delayMax, "delay-max", 3000, "Maximum pause between iterations in ms")
	flags.StringVar(&req.Token, "token", "", "ERC-20 token address")
	flags.StringVar(&req.Spender, "spender", "", "Allowance spender (defaults to target)")
	flags.StringVar(&req.Amount, "amount", "", "Required allowance in whole token units")
	flags.StringVar(&req.Target, "target", "", "Call or transfer destination")
	flags.StringVar(&req.Calldata, "calldata", "", "Pre-encoded calldata (0x...)")
	flags.StringVar(&req.Value, "value", "", "Native value in wei")
	flags.Uint64Var(&req.GasLimit, "gas-limit", 0, "Gas limit override")
	flags.BoolVar(&follow, "watch", false, "Follow the task log after submitting")
	flags.BoolVar(&raw, "raw", false, "Plain text output when following")
	return cmd
}
