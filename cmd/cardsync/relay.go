package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cardwall/cardsync/internal/relay"
	"github.com/cardwall/cardsync/internal/schema"
)

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "setup",
	Short:   "Run a development authority",
	Long: `Start an in-memory remote authority for local development.

The relay serves the HTTP API the client uses (board list, board fetch,
mutation push) and the websocket gateway that forwards card events between
clients joined to the same board.

Example usage:
  cardsync relay                 # Start on the configured port (default 8080)
  cardsync relay --port 9000     # Start on a custom port
  cardsync relay --board demo    # Seed an empty board named demo

Endpoints:
  ws://localhost:8080/ws
  http://localhost:8080/health
  http://localhost:8080/metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		port := viper.GetInt(keyRelayPort)
		token, _ := cmd.Flags().GetString("token")
		seeds, _ := cmd.Flags().GetStringSlice("board")

		store := relay.NewStore()
		for _, id := range seeds {
			store.PutBoard(schema.Board{ID: id, Name: id})
		}

		server := relay.NewServer(&relay.Config{
			Port:   port,
			Token:  token,
			Store:  store,
			Logger: log.New(logWriter, "[relay] ", log.LstdFlags),
		})

		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start relay: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Relay started on http://%s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Printf("Health check: http://%s/health\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Relay stopped")
	},
}

func init() {
	relayCmd.Flags().Int("port", 8080, "port to listen on")
	relayCmd.Flags().String("token", "", "bearer token required on HTTP requests (empty accepts any)")
	relayCmd.Flags().StringSlice("board", nil, "seed an empty board with this id (repeatable)")
	_ = viper.BindPFlag(keyRelayPort, relayCmd.Flags().Lookup("port"))
	rootCmd.AddCommand(relayCmd)
}
