// cmd/tasks.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/talktime/internal/queue"
	"github.com/aceteam-ai/talktime/internal/store"
	"github.com/aceteam-ai/talktime/internal/worker"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

var (
	tasksStatus  string
	tasksKind    string
	tasksLimit   int
	submitKind   string
	submitData   string
	reapOlderArg time.Duration
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"task", "t"},
	Short:   "Inspect and manage the task queue",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Example: `  talktime tasks list --status failed
  talktime tasks list --kind session_followup --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
			status := store.TaskStatus(tasksStatus)
			if status != "" && !status.Valid() {
				return fmt.Errorf("unknown status %q", tasksStatus)
			}
			tasks, err := q.List(ctx, store.TaskFilter{Status: status, Kind: tasksKind, Limit: tasksLimit})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()
			labelColor.Fprintln(w, "ID\tKIND\tSTATUS\tATTEMPTS\tCREATED\tERROR")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					t.ID, t.Kind, colorizeStatus(t.Status), t.Attempts,
					t.CreatedAt.Local().Format("2006-01-02 15:04:05"), truncate(t.Error, 60))
			}
			if len(tasks) == 0 {
				fmt.Fprintln(w, "(no tasks)")
			}
			return nil
		})
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task with its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
			t, err := q.Get(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()
			headerColor.Fprintf(w, "--- Task %s ---\n", t.ID)
			fmt.Fprintf(w, "  - Kind:\t%s\n", t.Kind)
			fmt.Fprintf(w, "  - Status:\t%s\n", colorizeStatus(t.Status))
			fmt.Fprintf(w, "  - Attempts:\t%d\n", t.Attempts)
			fmt.Fprintf(w, "  - Created:\t%s\n", t.CreatedAt.Local().Format(time.RFC3339))
			if t.StartedAt != nil {
				fmt.Fprintf(w, "  - Started:\t%s\n", t.StartedAt.Local().Format(time.RFC3339))
			}
			if t.CompletedAt != nil {
				fmt.Fprintf(w, "  - Completed:\t%s\n", t.CompletedAt.Local().Format(time.RFC3339))
			}
			if t.WorkerID != "" {
				fmt.Fprintf(w, "  - Worker:\t%s\n", t.WorkerID)
			}
			if t.Error != "" {
				fmt.Fprintf(w, "  - Error:\t%s\n", badColor.Sprint(t.Error))
			}
			payload, _ := json.MarshalIndent(t.Payload, "    ", "  ")
			fmt.Fprintf(w, "  - Payload:\n    %s\n", payload)
			return nil
		})
	},
}

var tasksRetryCmd = &cobra.Command{
	Use:   "retry <task-id>...",
	Short: "Move failed tasks back to pending",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
			var failed int
			for _, id := range args {
				if err := q.Retry(ctx, id); err != nil {
					badColor.Fprintf(os.Stderr, "  - %s: %v\n", id, err)
					failed++
					continue
				}
				goodColor.Printf("  - %s: pending\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tasks not retried", failed, len(args))
			}
			return nil
		})
	},
}

var tasksStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count tasks by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
			stats, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()
			headerColor.Fprintf(w, "--- Task queue (%s) ---\n", cfg.Database.Driver)
			fmt.Fprintf(w, "  - %s:\t%d\n", colorizeStatus(store.TaskPending), stats.Pending)
			fmt.Fprintf(w, "  - %s:\t%d\n", colorizeStatus(store.TaskProcessing), stats.Processing)
			fmt.Fprintf(w, "  - %s:\t%d\n", colorizeStatus(store.TaskCompleted), stats.Completed)
			fmt.Fprintf(w, "  - %s:\t%d\n", colorizeStatus(store.TaskFailed), stats.Failed)
			fmt.Fprintf(w, "  - total:\t%d\n", stats.Total())
			return nil
		})
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the queue",
	Example: `  talktime submit --kind session_followup \
    --payload '{"email":"a@example.com","session_id":"s1","transcript":"...","host_url":"https://talktime.example"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload map[string]any
		if submitData != "" {
			if err := json.Unmarshal([]byte(submitData), &payload); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
		}
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		q := newQueue(st, nil)
		// Wake idle workers if Redis is reachable; they poll otherwise.
		if rc, err := connectRedis(ctx, cfg.Redis); err == nil {
			defer rc.Close()
			q = newQueue(st, rc)
		}
		id, err := q.Submit(ctx, submitKind, payload)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run one reaper sweep: requeue stuck tasks and credit recorded payments",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		threshold := cfg.Worker.ReapThreshold.D()
		if reapOlderArg > 0 {
			threshold = reapOlderArg
		}
		res := worker.NewReaper(worker.ReaperConfig{
			Queue:          newQueue(st, nil),
			Ledger:         newLedger(st),
			Threshold:      threshold,
			ReconcileAfter: cfg.Worker.ReconcileAfter.D(),
			Logger:         logger.Named("reaper"),
		}).RunOnce(ctx)
		fmt.Printf("reaped %d stuck tasks, reconciled %d payments\n", res.Reaped, res.Reconciled)
		return nil
	},
}

func withQueue(ctx context.Context, fn func(context.Context, *queue.Queue) error) error {
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, newQueue(st, nil))
}

func colorizeStatus(s store.TaskStatus) string {
	switch s {
	case store.TaskCompleted:
		return goodColor.Sprint(s)
	case store.TaskProcessing, store.TaskPending:
		return warnColor.Sprint(s)
	case store.TaskFailed:
		return badColor.Sprint(s)
	}
	return string(s)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(tasksCmd, submitCmd, reapCmd)
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksRetryCmd, tasksStatsCmd)

	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "Filter by status (pending, processing, completed, failed)")
	tasksListCmd.Flags().StringVar(&tasksKind, "kind", "", "Filter by task kind")
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 50, "Maximum tasks to list")

	submitCmd.Flags().StringVar(&submitKind, "kind", "", "Task kind")
	submitCmd.Flags().StringVar(&submitData, "payload", "", "Task payload as a JSON object")
	_ = submitCmd.MarkFlagRequired("kind")

	reapCmd.Flags().DurationVar(&reapOlderArg, "older-than", 0, "Processing age after which a task is stuck (overrides worker.reap_threshold)")
}
