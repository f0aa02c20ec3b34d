// cmd/workers.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/talktime/internal/heartbeat"
	"github.com/aceteam-ai/talktime/internal/status"
)

var (
	workersMaxAge time.Duration
	workersJSON   bool
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List live work processes",
	Long: `Reads the worker registry that every 'talktime work' process refreshes in
Redis and prints each process's health, runner count, queue view and host
load. Processes silent for longer than --max-age are pruned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rc, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()

		workers, err := heartbeat.ListWorkers(ctx, rc.Redis(), workersMaxAge, time.Now())
		if err != nil {
			return err
		}
		if workersJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(workers)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		labelColor.Fprintln(w, "NODE\tVERSION\tHOST\tHEALTH\tRUNNERS\tPROCESSED\tPENDING\tCPU\tMEM\tSEEN")
		for _, m := range workers {
			st := m.Status
			if st == nil {
				continue
			}
			var processed int64
			for _, r := range st.Workers {
				processed += r.TasksProcessed
			}
			pending := "-"
			if st.Queue != nil {
				pending = fmt.Sprint(st.Queue.Pending)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%.0f%%\t%.0f%%\t%s ago\n",
				m.NodeID, colorizeBuild(st.Node.BuildVersion, Version), st.Node.Hostname, colorizeHealth(st.Health), len(st.Workers), processed, pending,
				st.System.CPUPercent, st.System.MemoryPercent,
				time.Since(st.Timestamp).Truncate(time.Second))
		}
		if len(workers) == 0 {
			fmt.Fprintln(w, "(no live workers)")
		}
		return nil
	},
}

func colorizeHealth(h string) string {
	switch h {
	case status.HealthOK:
		return goodColor.Sprint(h)
	case status.HealthDegraded:
		return warnColor.Sprint(h)
	default:
		return badColor.Sprint(h)
	}
}

// colorizeBuild marks workers running an older release than this binary.
// Unparseable versions such as "dev" are printed as-is.
func colorizeBuild(workerVersion, cliVersion string) string {
	if workerVersion == "" {
		return "-"
	}
	wv, err := version.NewVersion(workerVersion)
	if err != nil {
		return workerVersion
	}
	cv, err := version.NewVersion(cliVersion)
	if err != nil {
		return workerVersion
	}
	if wv.LessThan(cv) {
		return warnColor.Sprint(workerVersion + " (outdated)")
	}
	return workerVersion
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.Flags().DurationVar(&workersMaxAge, "max-age", 2*time.Minute, "Hide processes not seen for this long")
	workersCmd.Flags().BoolVar(&workersJSON, "json", false, "Print raw status messages as JSON")
}
