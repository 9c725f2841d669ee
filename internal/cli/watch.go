package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/0xrifai/pharos-network/internal/stream"
	"github.com/0xrifai/pharos-network/internal/tasklog"
)

// WatchOptions controls RunWatch.
type WatchOptions struct {
	// Retry is the pause before reconnecting after the stream drops.
	Retry time.Duration
	// Once stops at the first disconnect instead of reconnecting.
	Once  bool
	Color bool
}

// NewWatchCommand creates the 'pharosctl watch' subcommand.
func NewWatchCommand(client func() *Client) *cobra.Command {
	var (
		raw   bool
		once  bool
		retry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <taskId>",
		Short: "Follow a task's live log",
		Long: `Connect to the task's log stream, print the history and then every
new entry as it arrives. The stream is reopened after a disconnect; entries
already printed are not repeated.

Examples:
  pharosctl watch swap-1
  pharosctl watch swap-1 --raw --once`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			colorOutput := !raw && isatty.IsTerminal(os.Stdout.Fd())
			if !colorOutput {
				color.NoColor = true
			}
			err := RunWatch(cmd.Context(), client(), args[0], cmd.OutOrStdout(), WatchOptions{
				Retry: retry,
				Once:  once,
				Color: colorOutput,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Plain text output (no colors)")
	cmd.Flags().BoolVar(&once, "once", false, "Exit when the stream ends instead of reconnecting")
	cmd.Flags().DurationVar(&retry, "retry", 3*time.Second, "Delay before reconnecting")
	return cmd
}

// RunWatch prints the task's entries to out until ctx ends.
func RunWatch(ctx context.Context, client *Client, taskID string, out io.Writer, opts WatchOptions) error {
	if opts.Retry <= 0 {
		opts.Retry = 3 * time.Second
	}
	var seen []tasklog.Entry
	for {
		err := watchOnce(ctx, client, taskID, out, opts.Color, &seen)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opts.Once {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err != nil && !errors.Is(err, io.EOF) {
			fmt.Fprintf(out, "stream error: %v, reconnecting in %s\n", err, opts.Retry)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Retry):
		}
	}
}

// watchOnce reads one connection. seen holds what was already printed so the
// replay after a reconnect is skipped; a replay that diverges means the log
// was cleared for a new run and printing restarts.
func watchOnce(ctx context.Context, client *Client, taskID string, out io.Writer, colorize bool, seen *[]tasklog.Entry) error {
	body, err := client.OpenStream(ctx, taskID)
	if err != nil {
		return err
	}
	defer body.Close()

	decoder := stream.NewDecoder(body)
	index := 0
	for {
		entry, err := decoder.Next()
		if err != nil {
			return err
		}
		if index < len(*seen) {
			if sameEntry((*seen)[index], entry) {
				index++
				continue
			}
			*seen = (*seen)[:0]
			index = 0
		}
		*seen = append(*seen, entry)
		index++
		if _, err := io.WriteString(out, FormatEntry(entry, colorize)); err != nil {
			return err
		}
	}
}

func sameEntry(a, b tasklog.Entry) bool {
	return a.Timestamp.Equal(b.Timestamp) && a.Message == b.Message && a.Level == b.Level
}
