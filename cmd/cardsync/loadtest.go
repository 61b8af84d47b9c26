package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cardwall/cardsync/internal/loadtest"
	"github.com/cardwall/cardsync/internal/relay"
	"github.com/cardwall/cardsync/internal/schema"
	"github.com/cardwall/cardsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Measure gateway fan-out and queue write latency",
	Long: `Run the synchronization load tests and print latency statistics.

fan-out: one gateway client creates cards on a board and every listener must
receive each of them. By default an in-process relay is started; with
--remote the configured gateway.url is used and --board must name a board
the authority already has.

queue: concurrent writers enqueue mutations into a scratch store and the
per-board order is verified.

Example usage:
  cardsync loadtest
  cardsync loadtest --listeners 50 --cards 40
  cardsync loadtest --remote --board 0190c3...`,
	Run: func(cmd *cobra.Command, args []string) {
		listeners, _ := cmd.Flags().GetInt("listeners")
		cards, _ := cmd.Flags().GetInt("cards")
		writers, _ := cmd.Flags().GetInt("writers")
		perWriter, _ := cmd.Flags().GetInt("per-writer")
		remote, _ := cmd.Flags().GetBool("remote")
		board, _ := cmd.Flags().GetString("board")

		logger := log.New(logWriter, "[loadtest] ", log.LstdFlags)
		config := &loadtest.FanoutConfig{
			Board:     board,
			Listeners: listeners,
			Cards:     cards,
			Logger:    logger,
		}

		if remote {
			if board == "" {
				fmt.Fprintf(os.Stderr, "Error: --remote requires --board\n")
				os.Exit(1)
			}
			config.GatewayURL = viper.GetString(keyGatewayURL)
		} else {
			if config.Board == "" {
				config.Board = schema.NewID()
			}
			server := relay.NewServer(&relay.Config{Port: 0, Logger: log.New(logWriter, "[relay] ", log.LstdFlags)})
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start relay: %v\n", err)
				os.Exit(1)
			}
			defer server.Stop()

			server.Store().PutBoard(schema.Board{ID: config.Board, Name: "loadtest"})
			_, port, _ := net.SplitHostPort(server.Addr())
			config.GatewayURL = "ws://" + net.JoinHostPort("127.0.0.1", port) + "/ws"
			config.Joined = server.Joined
		}

		fmt.Printf("%s Fan-out: %d listeners, %d cards\n", ui.RenderAccent("▶"), config.Listeners, config.Cards)
		start := time.Now()
		stats, err := loadtest.RunFanout(cmd.Context(), config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Fan-out failed: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}
		stats.PrintStats(os.Stdout)
		fmt.Printf("  Duration:      %v\n\n", time.Since(start).Round(time.Millisecond))

		dir, err := os.MkdirTemp("", "cardsync-loadtest-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)

		fmt.Printf("%s Queue: %d writers, %d entries each\n", ui.RenderAccent("▶"), writers, perWriter)
		start = time.Now()
		qstats, err := loadtest.RunQueueLoad(cmd.Context(), dir, writers, perWriter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Queue load failed: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}
		qstats.PrintStats(os.Stdout)
		elapsed := time.Since(start)
		fmt.Printf("  Throughput:    %.0f enqueues/second\n", float64(qstats.Total)/elapsed.Seconds())

		if stats.Errors > 0 || qstats.Errors > 0 {
			fmt.Printf("\n%s %d undelivered cards, %d lost entries\n", ui.RenderWarn("⚠"), stats.Errors, qstats.Errors)
			return
		}
		fmt.Printf("\n%s No losses\n", ui.RenderPass("✓"))
	},
}

func init() {
	loadtestCmd.Flags().Int("listeners", 10, "gateway clients receiving cards")
	loadtestCmd.Flags().Int("cards", 20, "cards created by the sender")
	loadtestCmd.Flags().Int("writers", 8, "concurrent queue writers")
	loadtestCmd.Flags().Int("per-writer", 100, "entries enqueued by each writer")
	loadtestCmd.Flags().Bool("remote", false, "target the configured gateway instead of an in-process relay")
	loadtestCmd.Flags().String("board", "", "board to load (required with --remote)")
	rootCmd.AddCommand(loadtestCmd)
}
