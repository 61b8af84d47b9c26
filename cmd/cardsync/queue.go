package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cardwall/cardsync/internal/queue"
	"github.com/cardwall/cardsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "List pending mutations",
	Long: `List mutations recorded locally that have not yet been acknowledged by
the remote authority, oldest first.

Examples:
  cardsync queue
  cardsync queue --since "2 hours ago"
  cardsync queue --since yesterday --format yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceText, _ := cmd.Flags().GetString("since")
		format, _ := cmd.Flags().GetString("format")

		if format != "text" && format != "yaml" {
			fmt.Fprintf(os.Stderr, "Error: unknown format %q (want text or yaml)\n", format)
			os.Exit(1)
		}

		var since time.Time
		if sinceText != "" {
			var err error
			since, err = parseSince(sinceText, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		a := openApp(cmd.Context())
		defer a.Close()

		entries, err := a.Queue.Since(cmd.Context(), since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if format == "yaml" {
			err = writeQueueYAML(os.Stdout, entries)
		} else {
			writeQueueText(os.Stdout, entries)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Push pending mutations once",
	Long: `Run a single drain pass: push every pending mutation to the remote
authority and drop the ones it acknowledges. Requires being online and
logged in.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd.Context())
		defer a.Close()

		ctx, cancel := commandContext(cmd)
		defer cancel()

		a.State.SetOnline(a.API.Reachable(ctx))
		if !a.State.LoggedIn() {
			fmt.Fprintf(os.Stderr, "%s Not logged in; run 'cardsync login'\n", ui.RenderWarn("⚠"))
			os.Exit(1)
		}
		if !a.State.Online() {
			fmt.Fprintf(os.Stderr, "%s Authority unreachable; mutations stay queued\n", ui.RenderWarn("⚠"))
			os.Exit(1)
		}

		n, err := a.Drainer.DrainOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Pushed %d, then: %v\n", ui.RenderFail("✗"), n, err)
			os.Exit(1)
		}
		left, _ := a.Queue.Len(ctx)
		fmt.Printf("%s Pushed %d mutations (%d pending)\n", ui.RenderPass("✓"), n, left)
	},
}

// parseSince accepts natural language ("2 hours ago", "yesterday") or an
// RFC3339 timestamp.
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: no time found", text)
	}
	return r.Time, nil
}

// queueRow is the printed form of an entry.
type queueRow struct {
	Seq        int64     `yaml:"seq"`
	Type       string    `yaml:"type"`
	Board      string    `yaml:"board"`
	Card       string    `yaml:"card"`
	Modified   int64     `yaml:"modified,omitempty"`
	EnqueuedAt time.Time `yaml:"enqueued_at"`
}

func queueRows(entries []queue.Entry) []queueRow {
	rows := make([]queueRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, queueRow{
			Seq:        e.Seq,
			Type:       string(e.Type),
			Board:      e.Board,
			Card:       e.Card.ID,
			Modified:   e.Card.Modified,
			EnqueuedAt: e.EnqueuedAt.UTC(),
		})
	}
	return rows
}

func writeQueueYAML(w io.Writer, entries []queue.Entry) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(queueRows(entries)); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

func writeQueueText(w io.Writer, entries []queue.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No pending mutations")
		return
	}
	for _, r := range queueRows(entries) {
		fmt.Fprintf(w, "%6d  %-6s  %s  %s  %s\n",
			r.Seq, r.Type, r.Board, r.Card,
			ui.RenderMuted(r.EnqueuedAt.Local().Format("2006-01-02 15:04:05")))
	}
	fmt.Fprintf(w, "\n%d pending\n", len(entries))
}

func init() {
	queueCmd.Flags().String("since", "", `only entries enqueued after this time ("2 hours ago", RFC3339)`)
	queueCmd.Flags().String("format", "text", "output format: text or yaml")
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(pushCmd)
}
