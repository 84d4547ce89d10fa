package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the Postgres message queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count queued messages by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := env.postgresQueue()
		if err != nil {
			return err
		}
		stats, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		formatQueueStats(os.Stdout, stats)
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <queue-id>",
	Short: "Return a dead-lettered message to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid queue id %q", args[0])
		}

		env, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := env.postgresQueue()
		if err != nil {
			return err
		}
		return q.Requeue(ctx, id)
	},
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	rootCmd.AddCommand(queueCmd)
}

// formatQueueStats writes message counts by status, sorted by status.
func formatQueueStats(out io.Writer, stats map[string]int64) {
	statuses := make([]string, 0, len(stats))
	for s := range stats {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	var total int64
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "%s:\t%d\n", s, stats[s])
		total += stats[s]
	}
	_, _ = fmt.Fprintf(w, "total:\t%d\n", total)
	_ = w.Flush()
}
